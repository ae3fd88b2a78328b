package access

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	analog "github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"

	"seedstream/pkg/api"
	"seedstream/pkg/engine"
)

// testInfo builds an info dictionary with zeroed piece hashes.
func testInfo(pieceLength int64, fileLengths ...int64) *metainfo.Info {
	info := &metainfo.Info{
		Name:        "testdata",
		PieceLength: pieceLength,
	}
	var total int64
	for i, l := range fileLengths {
		total += l
		info.Files = append(info.Files, metainfo.FileInfo{
			Length: l,
			Path:   []string{fmt.Sprintf("f%d", i)},
		})
	}
	numPieces := (total + pieceLength - 1) / pieceLength
	info.Pieces = make([]byte, 20*numPieces)
	return info
}

type fakeHandle struct {
	mu         sync.Mutex
	eng        *fakeEngine
	info       *metainfo.Info
	mi         metainfo.MetaInfo
	priorities map[int]int
	deadlines  map[int]int
	reads      map[int]int
	sequential bool
	resumeBlob []byte
}

func newFakeHandle(e *fakeEngine, info *metainfo.Info) *fakeHandle {
	return &fakeHandle{
		eng:        e,
		info:       info,
		priorities: map[int]int{},
		deadlines:  map[int]int{},
		reads:      map[int]int{},
		resumeBlob: []byte("d8:syntheticresumee"),
	}
}

func (h *fakeHandle) InfoHash() metainfo.Hash     { return metainfo.Hash{0x42} }
func (h *fakeHandle) Info() *metainfo.Info        { return h.info }
func (h *fakeHandle) Metainfo() metainfo.MetaInfo { return h.mi }
func (h *fakeHandle) Stats() api.Stats            { return api.Stats{} }

func (h *fakeHandle) PiecePriority(piece, priority int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.priorities[piece] = priority
}

func (h *fakeHandle) SetPieceDeadline(piece int, _ time.Duration, flags engine.DeadlineFlags) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deadlines[piece]++
}

func (h *fakeHandle) ReadPiece(piece int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reads[piece]++
}

func (h *fakeHandle) SetSequentialDownload(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sequential = on
}

func (h *fakeHandle) SaveResumeData() {
	h.eng.post(engine.SaveResumeDataAlert{InfoHash: h.InfoHash(), Blob: h.resumeBlob})
}

func (h *fakeHandle) priority(piece int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.priorities[piece]
}

func (h *fakeHandle) deadlineCount(piece int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deadlines[piece]
}

func (h *fakeHandle) readCount(piece int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reads[piece]
}

type removal struct {
	handle      Handle
	deleteFiles bool
}

type fakeEngine struct {
	mu       sync.Mutex
	handle   *fakeHandle
	addErr   error
	addCalls int
	ch       chan engine.Alert
	pending  []engine.Alert
	removed  []removal
	paused   bool
	saved    bool
	closed   bool
}

func newFakeEngine(info *metainfo.Info) *fakeEngine {
	e := &fakeEngine{ch: make(chan engine.Alert, 64)}
	e.handle = newFakeHandle(e, info)
	return e
}

func (e *fakeEngine) post(a engine.Alert) { e.ch <- a }

func (e *fakeEngine) AddTorrent(*engine.AddParams) (Handle, error) {
	e.mu.Lock()
	e.addCalls++
	e.mu.Unlock()
	if e.addErr != nil {
		return nil, e.addErr
	}
	return e.handle, nil
}

func (e *fakeEngine) RemoveTorrent(h Handle, deleteFiles bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, removal{h, deleteFiles})
}

func (e *fakeEngine) WaitForAlert(timeout time.Duration) bool {
	if len(e.pending) > 0 {
		return true
	}
	select {
	case a := <-e.ch:
		e.pending = append(e.pending, a)
		return true
	case <-time.After(timeout):
		return false
	}
}

func (e *fakeEngine) PopAlerts() []engine.Alert {
	out := e.pending
	e.pending = nil
	for {
		select {
		case a := <-e.ch:
			out = append(out, a)
		default:
			return out
		}
	}
}

func (e *fakeEngine) SetAlertMask(engine.AlertMask) {}
func (e *fakeEngine) StartDHT(...string)            {}
func (e *fakeEngine) LoadState([]byte) error        { return nil }

func (e *fakeEngine) SaveState() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.saved = true
	return []byte("d5:nodeslee"), nil
}

func (e *fakeEngine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// newTestAccess wires a controller to a fake engine without opening a real
// session.
func newTestAccess(t *testing.T, info *metainfo.Info) (*TorrentAccess, *fakeEngine) {
	t.Helper()
	eng := newFakeEngine(info)
	ta := &TorrentAccess{
		logger:      analog.Default,
		opts:        api.DefaultOptions(),
		alloc:       api.HeapAllocator{},
		eng:         eng,
		handle:      eng.handle,
		params:      &engine.AddParams{Info: info, InfoHash: metainfo.Hash{0x42}},
		cache:       NewStore(t.TempDir(), analog.Default),
		fileIndex:   0,
		queue:       newPiecesQueue(),
		status:      newTorrentStatus(),
		stop:        make(chan struct{}),
		resumeSaved: make(chan struct{}),
	}
	return ta, eng
}

// fileContent returns deterministic bytes for a file of the given length.
func fileContent(n int64) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}

// pieceBuffer slices the full piece that contains the given content range.
func pieceBuffer(info *metainfo.Info, content []byte, piece int) []byte {
	start := int64(piece) * info.PieceLength
	end := start + info.PieceLength
	if end > int64(len(content)) {
		end = int64(len(content))
	}
	return content[start:end]
}

func TestSelectPiecesPriorities(t *testing.T) {
	info := testInfo(64, 100, 156)
	ta, eng := newTestAccess(t, info)
	ta.fileIndex = 1

	if err := ta.SelectPieces(0); err != nil {
		t.Fatal(err)
	}

	// File 1 occupies global bytes [100, 256): pieces 1-3.
	if got := eng.handle.priority(0); got != engine.PrioritySkip {
		t.Fatalf("piece 0 priority %d, want skip", got)
	}
	for i := 1; i <= 3; i++ {
		if got := eng.handle.priority(i); got != engine.PriorityTop {
			t.Fatalf("piece %d priority %d, want top", i, got)
		}
	}
	if n := ta.queue.size(); n != 3 {
		t.Fatalf("queue size %d, want 3", n)
	}

	// The queued ranges concatenate to exactly the file.
	var total int
	ta.queue.mu.Lock()
	first := ta.queue.pieces[0]
	for _, p := range ta.queue.pieces {
		total += p.Length
	}
	ta.queue.mu.Unlock()
	if first.ID != 1 || first.Offset != 36 {
		t.Fatalf("first piece %+v, want id 1 offset 36", first)
	}
	if total != 156 {
		t.Fatalf("queued lengths sum to %d, want 156", total)
	}
}

func TestSelectPiecesDegenerate(t *testing.T) {
	info := testInfo(64, 640)
	ta, _ := newTestAccess(t, info)

	if err := ta.SelectPieces(640); err != nil {
		t.Fatal(err)
	}
	if n := ta.queue.size(); n != 0 {
		t.Fatalf("queue size %d, want 0", n)
	}

	ta.status.set(engine.Downloading)
	if _, eof := ta.ReadNextBlock(); !eof {
		t.Fatal("expected eof on exhausted selection")
	}
}

func TestSelectPiecesRejectsBadOffset(t *testing.T) {
	info := testInfo(64, 640)
	ta, _ := newTestAccess(t, info)

	for _, off := range []int64{-1, 641} {
		if err := ta.SelectPieces(off); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("offset %d: expected ErrInvalidArgument, got %v", off, err)
		}
	}
}

func TestLinearRead(t *testing.T) {
	info := testInfo(64, 640)
	ta, eng := newTestAccess(t, info)
	content := fileContent(640)

	ta.status.set(engine.Downloading)
	if err := ta.SelectPieces(0); err != nil {
		t.Fatal(err)
	}

	// Deliver every piece up front; early arrival is valid.
	for i := 0; i < info.NumPieces(); i++ {
		ta.handleReadPiece(engine.ReadPieceAlert{Piece: i, Data: pieceBuffer(info, content, i)})
	}

	var out bytes.Buffer
	for i := 0; i < info.NumPieces(); i++ {
		p, eof := ta.ReadNextBlock()
		if eof || p.Data == nil {
			t.Fatalf("read %d: piece %+v eof=%v", i, p, eof)
		}
		if p.ID != i {
			t.Fatalf("read %d returned piece %d", i, p.ID)
		}
		out.Write(p.Data)
	}
	if !bytes.Equal(out.Bytes(), content) {
		t.Fatal("concatenated blocks do not reproduce the file")
	}
	if _, eof := ta.ReadNextBlock(); !eof {
		t.Fatal("expected eof after the final block")
	}

	// At most one deadline request was issued per piece.
	for i := 0; i < info.NumPieces(); i++ {
		if n := eng.handle.deadlineCount(i); n > 1 {
			t.Fatalf("piece %d requested %d times", i, n)
		}
	}
}

func TestMidFileSeek(t *testing.T) {
	info := testInfo(64, 640)
	ta, eng := newTestAccess(t, info)
	content := fileContent(640)

	ta.status.set(engine.Downloading)
	if err := ta.SelectPieces(0); err != nil {
		t.Fatal(err)
	}
	ta.handleReadPiece(engine.ReadPieceAlert{Piece: 0, Data: pieceBuffer(info, content, 0)})
	if p, _ := ta.ReadNextBlock(); p.ID != 0 {
		t.Fatalf("expected piece 0 first, got %d", p.ID)
	}

	// Seek into piece 5, three bytes in.
	target := int64(5*64 + 3)
	if err := ta.SelectPieces(target); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if got := eng.handle.priority(i); got != engine.PrioritySkip {
			t.Fatalf("piece %d priority %d after seek, want skip", i, got)
		}
	}

	// A stale event for a piece dropped by the seek is ignored.
	ta.handleReadPiece(engine.ReadPieceAlert{Piece: 1, Data: pieceBuffer(info, content, 1)})

	ta.handleReadPiece(engine.ReadPieceAlert{Piece: 5, Data: pieceBuffer(info, content, 5)})
	p, eof := ta.ReadNextBlock()
	if eof || p.Data == nil {
		t.Fatalf("post-seek read failed: %+v eof=%v", p, eof)
	}
	if p.ID != 5 || p.Offset != 3 {
		t.Fatalf("post-seek block %+v, want piece 5 offset 3", p)
	}
	if p.Data[0] != content[target] {
		t.Fatalf("post-seek block starts with %d, want byte at offset %d", p.Data[0], target)
	}
}

func TestSeekDiscardsBufferedData(t *testing.T) {
	info := testInfo(64, 640)
	ta, _ := newTestAccess(t, info)
	content := fileContent(640)

	ta.status.set(engine.Downloading)
	ta.SelectPieces(0)
	ta.handleReadPiece(engine.ReadPieceAlert{Piece: 2, Data: pieceBuffer(info, content, 2)})

	// Seeking inside an already-buffered piece rebuilds from scratch.
	if err := ta.SelectPieces(2*64 + 10); err != nil {
		t.Fatal(err)
	}
	ta.queue.mu.Lock()
	head := ta.queue.pieces[0]
	ta.queue.mu.Unlock()
	if head.ID != 2 || head.Data != nil || head.Offset != 10 {
		t.Fatalf("head after seek %+v, want unbuffered piece 2 offset 10", head)
	}
}

func TestReadErrorRetry(t *testing.T) {
	info := testInfo(64, 640)
	ta, eng := newTestAccess(t, info)
	content := fileContent(640)

	ta.status.set(engine.Downloading)
	ta.SelectPieces(0)

	// A null-buffer event reissues the read exactly once.
	ta.handleReadPiece(engine.ReadPieceAlert{Piece: 0, Err: errors.New("disk hiccup")})
	if n := eng.handle.readCount(0); n != 1 {
		t.Fatalf("piece 0 reissued %d times, want 1", n)
	}

	ta.handleReadPiece(engine.ReadPieceAlert{Piece: 0, Data: pieceBuffer(info, content, 0)})
	p, eof := ta.ReadNextBlock()
	if eof || p.ID != 0 || p.Data == nil {
		t.Fatalf("delivery after retry failed: %+v", p)
	}
}

func TestReadNextBlockTimeouts(t *testing.T) {
	info := testInfo(64, 640)
	ta, _ := newTestAccess(t, info)
	ta.SelectPieces(0)

	// State never becomes readable: spurious empty return, not EOF.
	p, eof := ta.ReadNextBlock()
	if eof || p.Data != nil {
		t.Fatalf("state-wait timeout: %+v eof=%v", p, eof)
	}

	// Readable state but no data: still a retryable empty return.
	ta.status.set(engine.Downloading)
	p, eof = ta.ReadNextBlock()
	if eof || p.Data != nil {
		t.Fatalf("data-wait timeout: %+v eof=%v", p, eof)
	}
}

func TestDriverDispatch(t *testing.T) {
	info := testInfo(64, 640)
	ta, eng := newTestAccess(t, info)

	eng.post(engine.StateChangedAlert{State: engine.Downloading})
	eng.post(engine.PieceFinishedAlert{Piece: 1})
	eng.post(engine.MetadataReceivedAlert{})

	done := make(chan struct{})
	go func() {
		ta.run(true)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not return on metadata alert")
	}
	if st := ta.status.get(); st != engine.Downloading {
		t.Fatalf("status %v, want downloading", st)
	}
}

func TestCloseShutdownSequence(t *testing.T) {
	info := testInfo(64, 640)
	ta, eng := newTestAccess(t, info)
	ta.opts.KeepFiles = true

	if err := ta.StartDownload(0); err != nil {
		t.Fatal(err)
	}
	if !eng.handle.sequential {
		t.Fatal("sequential download not enabled")
	}
	if err := ta.Close(); err != nil {
		t.Fatal(err)
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if !eng.saved {
		t.Fatal("dht state was not saved")
	}
	if !eng.paused {
		t.Fatal("engine was not paused")
	}
	if len(eng.removed) != 1 || eng.removed[0].deleteFiles {
		t.Fatalf("unexpected removals %+v", eng.removed)
	}
	if !eng.closed {
		t.Fatal("engine was not closed")
	}

	// keep-files retains the resume blob in the cache.
	if ta.cache.Load(ResumeName(ta.params.InfoHash)) == nil {
		t.Fatal("resume blob missing from cache")
	}
	if ta.cache.Load(DHTStateName) == nil {
		t.Fatal("dht state missing from cache")
	}
}

func TestClosePurgesCache(t *testing.T) {
	info := testInfo(64, 640)
	ta, eng := newTestAccess(t, info)
	ta.opts.KeepFiles = false

	ta.cache.Save(TorrentName(ta.params.InfoHash), []byte("d4:infoe"))
	if err := ta.StartDownload(0); err != nil {
		t.Fatal(err)
	}
	if err := ta.Close(); err != nil {
		t.Fatal(err)
	}

	eng.mu.Lock()
	if len(eng.removed) != 1 || !eng.removed[0].deleteFiles {
		t.Fatalf("expected file-deleting removal, got %+v", eng.removed)
	}
	eng.mu.Unlock()

	if ta.cache.Load(TorrentName(ta.params.InfoHash)) != nil {
		t.Fatal("torrent body survived keep-files=false")
	}
	if ta.cache.Load(ResumeName(ta.params.InfoHash)) != nil {
		t.Fatal("resume blob survived keep-files=false")
	}
}

func TestStartDownloadRejectsBadIndex(t *testing.T) {
	info := testInfo(64, 640)
	ta, _ := newTestAccess(t, info)

	for _, idx := range []int{-1, 1} {
		if err := ta.StartDownload(idx); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("index %d: expected ErrInvalidArgument, got %v", idx, err)
		}
	}
}

func TestStartDownloadAddFailure(t *testing.T) {
	info := testInfo(64, 640)
	ta, eng := newTestAccess(t, info)
	eng.addErr = errors.New("no slots")

	if err := ta.StartDownload(0); !errors.Is(err, ErrAddTorrentFailed) {
		t.Fatalf("expected ErrAddTorrentFailed, got %v", err)
	}
}

func TestFilesSortedLargestFirst(t *testing.T) {
	info := testInfo(64, 100, 300, 200)
	ta, _ := newTestAccess(t, info)
	ta.uri = "torrent:///cache/x.torrent"

	items := ta.Files()
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if items[0].Index != 1 || items[1].Index != 2 || items[2].Index != 0 {
		t.Fatalf("unexpected order: %+v", items)
	}
	for _, it := range items {
		if it.URI != ta.uri {
			t.Fatalf("item %d carries uri %q", it.Index, it.URI)
		}
	}
}

func TestCapabilities(t *testing.T) {
	info := testInfo(64, 640)
	ta, _ := newTestAccess(t, info)

	caps := ta.Capabilities()
	if !caps.CanPause || !caps.CanSeek || !caps.CanControlPace {
		t.Fatalf("unexpected capabilities %+v", caps)
	}
	if caps.CanFastSeek {
		t.Fatal("fast seek must be off")
	}
	// Accepted as a no-op.
	ta.SetPauseState(true)
}
