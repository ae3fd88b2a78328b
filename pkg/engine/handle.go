package engine

import (
	"context"
	"io"
	"sync"
	"time"

	analog "github.com/anacrolix/log"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"

	"seedstream/pkg/api"
)

// DeadlineFlags modifies SetPieceDeadline behavior.
type DeadlineFlags int

const (
	// AlertWhenAvailable requests a ReadPieceAlert once the piece has been
	// downloaded and verified.
	AlertWhenAvailable DeadlineFlags = 1 << iota
)

// Priority bounds understood by PiecePriority. Zero discards a piece, Top
// marks it wanted at the highest level.
const (
	PrioritySkip = 0
	PriorityTop  = 7
)

// Handle is the engine-side view of one added torrent.
type Handle struct {
	eng    *Engine
	t      *torrent.Torrent
	params *AddParams
	logger analog.Logger

	mu         sync.Mutex
	sequential bool
	lastState  TorrentState
	started    time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func newHandle(e *Engine, t *torrent.Torrent, p *AddParams) *Handle {
	h := &Handle{
		eng:       e,
		t:         t,
		params:    p,
		logger:    e.logger,
		lastState: -1,
		started:   time.Now(),
		stop:      make(chan struct{}),
	}
	go h.watchState()
	return h
}

func (h *Handle) shutdown() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// InfoHash returns the torrent's identity.
func (h *Handle) InfoHash() metainfo.Hash { return h.t.InfoHash() }

// Info returns the parsed info dictionary, or nil before metadata arrives.
func (h *Handle) Info() *metainfo.Info { return h.t.Info() }

// Metainfo snapshots the torrent as a serializable metainfo dictionary.
func (h *Handle) Metainfo() metainfo.MetaInfo { return h.t.Metainfo() }

// MapFile translates file coordinates into piece coordinates.
func (h *Handle) MapFile(file int, offset, length int64) PieceRange {
	return MapFile(h.t.Info(), file, offset, length)
}

// PiecePriority sets the download priority of one piece. Priority 0 discards
// the piece; 7 is the highest wanted level.
func (h *Handle) PiecePriority(piece, priority int) {
	if h.t.Info() == nil {
		return
	}
	p := h.t.Piece(piece)
	switch {
	case priority <= PrioritySkip:
		p.SetPriority(torrent.PiecePriorityNone)
	case priority >= PriorityTop:
		p.SetPriority(torrent.PiecePriorityHigh)
	default:
		p.SetPriority(torrent.PiecePriorityNormal)
	}
}

// SetPieceDeadline bumps a piece to the front of the request schedule. With
// AlertWhenAvailable the verified bytes are delivered as a ReadPieceAlert.
func (h *Handle) SetPieceDeadline(piece int, _ time.Duration, flags DeadlineFlags) {
	if h.t.Info() == nil {
		return
	}
	h.t.Piece(piece).SetPriority(torrent.PiecePriorityNow)
	if flags&AlertWhenAvailable != 0 {
		h.ReadPiece(piece)
	}
}

// ReadPiece asynchronously reads the verified bytes of a piece and posts the
// result as a ReadPieceAlert. A failed read posts the alert with nil Data.
func (h *Handle) ReadPiece(piece int) {
	go h.readPiece(piece)
}

func (h *Handle) readPiece(piece int) {
	info := h.t.Info()
	if info == nil {
		h.eng.post(ReadPieceAlert{InfoHash: h.t.InfoHash(), Piece: piece, Err: ErrEngineClosed})
		return
	}
	length := info.Piece(piece).Length()
	offset := int64(piece) * info.PieceLength

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-h.stop:
			cancel()
		case <-h.eng.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	r := h.t.NewReader()
	defer r.Close()
	r.SetResponsive()
	if h.sequentialEnabled() {
		r.SetReadahead(4 * info.PieceLength)
	}
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		h.eng.post(ReadPieceAlert{InfoHash: h.t.InfoHash(), Piece: piece, Err: err})
		return
	}
	buf := make([]byte, length)
	if err := readFull(ctx, r, buf); err != nil {
		h.eng.post(ReadPieceAlert{InfoHash: h.t.InfoHash(), Piece: piece, Err: err})
		return
	}
	h.eng.post(ReadPieceAlert{InfoHash: h.t.InfoHash(), Piece: piece, Data: buf})
}

func readFull(ctx context.Context, r torrent.Reader, buf []byte) error {
	for n := 0; n < len(buf); {
		m, err := r.ReadContext(ctx, buf[n:])
		n += m
		if err != nil {
			if err == io.EOF && n == len(buf) {
				return nil
			}
			return err
		}
	}
	return nil
}

// SetSequentialDownload toggles sequential scheduling for piece reads.
func (h *Handle) SetSequentialDownload(on bool) {
	h.mu.Lock()
	h.sequential = on
	h.mu.Unlock()
}

func (h *Handle) sequentialEnabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sequential
}

// SaveResumeData asynchronously snapshots resume state and posts it as a
// SaveResumeDataAlert.
func (h *Handle) SaveResumeData() {
	go func() {
		blob, err := h.buildResumeData()
		h.eng.post(SaveResumeDataAlert{InfoHash: h.t.InfoHash(), Blob: blob, Err: err})
	}()
}

// Stats reports runtime statistics for the torrent.
func (h *Handle) Stats() api.Stats {
	ts := h.t.Stats()
	st := api.Stats{
		TorrentName: h.t.Name(),
		Peers:       ts.ActivePeers,
		Seeders:     ts.ConnectedSeeders,
		Uploaded:    ts.BytesWrittenData.Int64(),
		State:       h.currentState().String(),
		Uptime:      time.Since(h.started),
	}
	if h.t.Info() != nil {
		st.TotalSize = h.t.Length()
		st.Downloaded = h.t.BytesCompleted()
		if st.TotalSize > 0 {
			st.Progress = float64(st.Downloaded) / float64(st.TotalSize)
		}
	}
	return st
}

func (h *Handle) currentState() TorrentState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastState
}

// transition posts a StateChangedAlert when the state actually changes.
func (h *Handle) transition(st TorrentState) {
	h.mu.Lock()
	changed := st != h.lastState
	if changed {
		h.lastState = st
	}
	h.mu.Unlock()
	if changed {
		h.eng.post(StateChangedAlert{InfoHash: h.t.InfoHash(), State: st})
	}
}

// watchState synthesizes the lifecycle alerts: downloading-metadata until
// the info dictionary arrives, a checking stage, then downloading, finished
// and seeding tracked from completion.
func (h *Handle) watchState() {
	h.transition(DownloadingMetadata)
	select {
	case <-h.t.GotInfo():
	case <-h.stop:
		return
	case <-h.eng.closed:
		return
	}
	h.eng.post(MetadataReceivedAlert{InfoHash: h.t.InfoHash()})

	if len(h.params.ResumeBlob) > 0 {
		h.transition(CheckingResumeData)
	} else {
		h.transition(CheckingFiles)
	}
	go h.watchPieces()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-h.stop:
			return
		case <-h.eng.closed:
			return
		}
		if h.t.BytesCompleted() >= h.t.Length() {
			if h.currentState() == Finished || h.currentState() == Seeding {
				h.transition(Seeding)
			} else {
				h.transition(Finished)
			}
			h.enforceShareRatio()
		} else {
			h.transition(Downloading)
		}
	}
}

// watchPieces forwards piece completions as diagnostic alerts.
func (h *Handle) watchPieces() {
	sub := h.t.SubscribePieceStateChanges()
	defer sub.Close()
	for {
		select {
		case v, ok := <-sub.Values:
			if !ok {
				return
			}
			if v.Complete {
				h.eng.post(PieceFinishedAlert{InfoHash: h.t.InfoHash(), Piece: v.Index})
			}
		case <-h.stop:
			return
		case <-h.eng.closed:
			return
		}
	}
}

// enforceShareRatio stops uploading once the configured ratio is exceeded.
func (h *Handle) enforceShareRatio() {
	limit := h.eng.settings.ShareRatioLimit
	if limit <= 0 {
		return
	}
	done := h.t.BytesCompleted()
	if done == 0 {
		return
	}
	stats := h.t.Stats()
	uploaded := stats.BytesWrittenData.Int64()
	if float64(uploaded)/float64(done) >= limit {
		h.t.DisallowDataUpload()
		h.logger.Levelf(analog.Debug, "%s: share ratio limit %.2f reached", h.t.Name(), limit)
	}
}
