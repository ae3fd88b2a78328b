// Package access adapts a BitTorrent swarm to the block-oriented, seekable
// pull interface of a media player. It owns the piece queue for the selected
// file, drives the engine's alert stream from a background worker and keeps
// torrent bodies, resume data and DHT state cached between sessions.
package access

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adrg/xdg"
	analog "github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"seedstream/pkg/api"
	"seedstream/pkg/engine"
)

const (
	stateWaitTimeout = 500 * time.Millisecond
	dataWaitTimeout  = 500 * time.Millisecond
	alertPollTimeout = time.Second
	resumeWaitBound  = 5 * time.Second
)

// Engine is the torrent engine as consumed by the access layer.
type Engine interface {
	AddTorrent(p *engine.AddParams) (Handle, error)
	RemoveTorrent(h Handle, deleteFiles bool)
	WaitForAlert(timeout time.Duration) bool
	PopAlerts() []engine.Alert
	SetAlertMask(mask engine.AlertMask)
	StartDHT(routers ...string)
	SaveState() ([]byte, error)
	LoadState(blob []byte) error
	Pause()
	Close() error
}

// Handle is the engine-side view of the added torrent.
type Handle interface {
	InfoHash() metainfo.Hash
	Info() *metainfo.Info
	Metainfo() metainfo.MetaInfo
	PiecePriority(piece, priority int)
	SetPieceDeadline(piece int, deadline time.Duration, flags engine.DeadlineFlags)
	ReadPiece(piece int)
	SetSequentialDownload(on bool)
	SaveResumeData()
	Stats() api.Stats
}

// liveEngine adapts the concrete engine to the Engine interface.
type liveEngine struct {
	*engine.Engine
}

func (e liveEngine) AddTorrent(p *engine.AddParams) (Handle, error) {
	h, err := e.Engine.AddTorrent(p)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (e liveEngine) RemoveTorrent(h Handle, deleteFiles bool) {
	e.Engine.RemoveTorrent(h.(*engine.Handle), deleteFiles)
}

// Config configures an access session.
type Config struct {
	Options   api.Options
	Logger    analog.Logger
	Allocator api.Allocator // nil selects the heap allocator
	CacheDir  string        // "" selects the per-user cache directory
}

// FileItem is one entry of the torrent browsed as a playlist.
type FileItem struct {
	Index  int
	Name   string
	Length int64
	URI    string
}

// TorrentAccess is one open torrent location. It is used by exactly two
// threads: the consumer calling ReadNextBlock/SelectPieces/Close, and the
// session driver pumping engine alerts.
type TorrentAccess struct {
	logger    analog.Logger
	opts      api.Options
	alloc     api.Allocator
	sessionID uuid.UUID

	eng    Engine
	handle Handle
	params *engine.AddParams
	uri    string

	cache   *Store
	history *History

	fileIndex int
	pos       int64
	queue     *piecesQueue
	status    *torrentStatus

	stopped     atomic.Bool
	stop        chan struct{}
	wg          sync.WaitGroup
	resumeSaved chan struct{}
	resumeOnce  sync.Once
}

// Open parses the location, prepares the engine and, for magnet links,
// fetches and caches the torrent metadata. It does not start downloading;
// call Files to browse or StartDownload to stream.
func Open(location string, cfg Config) (*TorrentAccess, error) {
	params, uri, err := ParseURI(location)
	if err != nil {
		return nil, err
	}

	dir := cfg.Options.DownloadDir
	if dir == "" {
		dir = xdg.UserDirs.Download
	}
	if dir == "" {
		return nil, ErrNoDownloadDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDownloadDir, err)
	}
	params.SavePath = dir

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = DefaultDir()
	}
	cache := NewStore(cacheDir, cfg.Logger)

	alloc := cfg.Allocator
	if alloc == nil {
		alloc = api.HeapAllocator{}
	}

	eng, err := engine.New(engine.Config{
		Settings: engine.SettingsFromOptions(cfg.Options),
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAddTorrentFailed, err)
	}
	eng.SetAlertMask(engine.AllNotifications)
	if blob := cache.Load(DHTStateName); blob != nil {
		if err := eng.LoadState(blob); err != nil {
			cfg.Logger.Levelf(analog.Warning, "stale dht state discarded: %v", err)
		}
	}
	eng.StartDHT(engine.DefaultDHTRouters...)

	ta := &TorrentAccess{
		logger:      cfg.Logger,
		opts:        cfg.Options,
		alloc:       alloc,
		sessionID:   uuid.New(),
		eng:         liveEngine{eng},
		params:      params,
		uri:         uri,
		cache:       cache,
		fileIndex:   -1,
		queue:       newPiecesQueue(),
		status:      newTorrentStatus(),
		stop:        make(chan struct{}),
		resumeSaved: make(chan struct{}),
	}

	if hist, err := OpenHistory(filepath.Join(cacheDir, "history.db")); err != nil {
		cfg.Logger.Levelf(analog.Warning, "playback history disabled: %v", err)
	} else {
		ta.history = hist
	}

	if blob := ta.cache.Load(ResumeName(params.InfoHash)); blob != nil {
		if _, err := engine.ParseResumeData(blob); err != nil {
			ta.logger.Levelf(analog.Warning, "stale resume data discarded: %v", err)
		} else {
			params.ResumeBlob = blob
		}
	}

	if !params.HasMetadata() {
		if err := ta.fetchMetadata(); err != nil {
			ta.teardown()
			return nil, err
		}
	}
	return ta, nil
}

// URI returns the public location, which after a metadata fetch always
// refers to the cached torrent body.
func (ta *TorrentAccess) URI() string { return ta.uri }

// InfoHash returns the torrent's identity.
func (ta *TorrentAccess) InfoHash() metainfo.Hash { return ta.params.InfoHash }

// Capabilities answers the player's feature queries.
func (ta *TorrentAccess) Capabilities() api.Capabilities {
	return api.Capabilities{
		CanPause:       true,
		CanSeek:        true,
		CanFastSeek:    false,
		CanControlPace: true,
	}
}

// SetPauseState is accepted as a no-op; pacing is controlled by the pull
// loop itself.
func (ta *TorrentAccess) SetPauseState(bool) {}

// Files enumerates the torrent as a playlist, largest file first.
func (ta *TorrentAccess) Files() []FileItem {
	info := ta.params.Info
	items := make([]FileItem, 0, engine.NumFiles(info))
	for i := 0; i < engine.NumFiles(info); i++ {
		items = append(items, FileItem{
			Index:  i,
			Name:   engine.FileName(info, i),
			Length: engine.FileLength(info, i),
			URI:    ta.uri,
		})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Length > items[j].Length })
	return items
}

// LastPlayed returns the playback record from a previous session, if any.
func (ta *TorrentAccess) LastPlayed() (HistoryEntry, bool) {
	if ta.history == nil {
		return HistoryEntry{}, false
	}
	e, err := ta.history.Get(ta.params.InfoHash)
	if err != nil {
		return HistoryEntry{}, false
	}
	return e, true
}

// FileLength returns the byte length of the streamed file.
func (ta *TorrentAccess) FileLength() int64 {
	return engine.FileLength(ta.params.Info, ta.fileIndex)
}

// FileName returns the display path of the streamed file.
func (ta *TorrentAccess) FileName() string {
	return engine.FileName(ta.params.Info, ta.fileIndex)
}

// Stats reports engine statistics for the active torrent.
func (ta *TorrentAccess) Stats() api.Stats {
	if ta.handle == nil {
		return api.Stats{}
	}
	st := ta.handle.Stats()
	if ta.fileIndex >= 0 {
		st.StreamingFile = ta.FileName()
		st.StreamingSize = ta.FileLength()
	}
	return st
}

// StartDownload adds the torrent to the engine, selects the file's pieces
// from its beginning and spawns the session driver.
func (ta *TorrentAccess) StartDownload(fileIndex int) error {
	info := ta.params.Info
	if fileIndex < 0 || fileIndex >= engine.NumFiles(info) {
		return fmt.Errorf("%w: file index %d", ErrInvalidArgument, fileIndex)
	}
	h, err := ta.eng.AddTorrent(ta.params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAddTorrentFailed, err)
	}
	ta.handle = h
	ta.fileIndex = fileIndex

	if err := ta.SelectPieces(0); err != nil {
		return err
	}
	h.SetSequentialDownload(true)

	ta.wg.Add(1)
	go func() {
		defer ta.wg.Done()
		ta.run(false)
	}()
	ta.logger.Levelf(analog.Info, "session %s: streaming file %d of %s",
		ta.sessionID, fileIndex, ta.params.InfoHash.HexString())
	return nil
}

// SelectPieces rebuilds the piece queue and priorities so that streaming
// resumes from offset within the selected file. Pieces outside the wanted
// suffix are discarded; every in-range piece is marked at the top level.
// Safe to call repeatedly; later calls override earlier priorities.
func (ta *TorrentAccess) SelectPieces(offset int64) error {
	info := ta.params.Info
	fileLength := engine.FileLength(info, ta.fileIndex)
	if offset < 0 || offset > fileLength {
		return fmt.Errorf("%w: offset %d outside file of %d bytes", ErrInvalidArgument, offset, fileLength)
	}

	req := engine.MapFile(info, ta.fileIndex, offset, fileLength-offset)
	pieceSize := info.PieceLength
	reqPieces := req.Pieces(pieceSize)

	pieces := make([]Piece, 0, reqPieces)
	remaining := req.Length
	for i := 0; i < info.NumPieces(); i++ {
		if i < req.Piece || i >= req.Piece+reqPieces {
			ta.handle.PiecePriority(i, engine.PrioritySkip)
			continue
		}
		var off int64
		if i == req.Piece {
			off = req.Start
		}
		length := pieceSize - off
		if remaining < length {
			length = remaining
		}
		ta.handle.PiecePriority(i, engine.PriorityTop)
		pieces = append(pieces, Piece{ID: i, Offset: int(off), Length: int(length)})
		remaining -= length
	}
	ta.queue.reset(pieces)
	ta.pos = offset
	return nil
}

// ReadNextBlock returns the next block of the selected file. An empty piece
// with eof false is a retryable timeout; eof true means the file has been
// fully delivered. Blocks come back in strictly increasing file order.
func (ta *TorrentAccess) ReadNextBlock() (Piece, bool) {
	if !ta.status.waitReadable(stateWaitTimeout, ta.stop) {
		return Piece{}, false
	}

	id, need, empty := ta.queue.headForRequest()
	if empty {
		return Piece{}, true
	}
	if need {
		ta.handle.SetPieceDeadline(id, 0, engine.AlertWhenAvailable)
	}

	if !ta.queue.waitHeadData(dataWaitTimeout, ta.stop) {
		return Piece{}, false
	}
	p, ok := ta.queue.popHead()
	if !ok {
		return Piece{}, false
	}
	ta.pos += int64(p.Length)
	return p, false
}

// run is the session driver: it pumps the engine's alert stream until the
// stop flag is set, dispatching each alert to the matching state machine.
// With untilMetadata it returns as soon as the metadata arrives, which is
// how the metadata fetcher pumps synchronously on the calling thread.
func (ta *TorrentAccess) run(untilMetadata bool) {
	for !ta.stopped.Load() {
		if !ta.eng.WaitForAlert(alertPollTimeout) {
			continue
		}
		for _, a := range ta.eng.PopAlerts() {
			switch al := a.(type) {
			case engine.StateChangedAlert:
				ta.logger.Levelf(analog.Debug, "state changed to: %s", al.State)
				ta.status.set(al.State)
			case engine.PieceFinishedAlert:
				ta.logger.Levelf(analog.Debug, "piece %d finished", al.Piece)
			case engine.ReadPieceAlert:
				ta.handleReadPiece(al)
			case engine.SaveResumeDataAlert:
				ta.handleSaveResumeData(al)
			case engine.MetadataReceivedAlert:
				if untilMetadata {
					return
				}
			}
		}
	}
}

// handleReadPiece is the event-driven fill path. Failed reads are reissued;
// events for pieces dropped by a seek are ignored.
func (ta *TorrentAccess) handleReadPiece(al engine.ReadPieceAlert) {
	if al.Data == nil {
		ta.logger.Levelf(analog.Debug, "piece %d read failed, reissuing: %v", al.Piece, al.Err)
		ta.handle.ReadPiece(al.Piece)
		return
	}
	switch ta.queue.fill(al.Piece, al.Data, ta.alloc) {
	case fillDropped:
		ta.logger.Levelf(analog.Debug, "piece %d no longer wanted", al.Piece)
	case fillDuplicate:
		ta.logger.Levelf(analog.Debug, "piece %d already filled", al.Piece)
	case fillShort:
		ta.logger.Levelf(analog.Warning, "piece %d event shorter than queued range, reissuing", al.Piece)
		ta.handle.ReadPiece(al.Piece)
	case fillNoMemory:
		ta.logger.Levelf(analog.Warning, "piece %d: %v, reissuing", al.Piece, ErrOutOfMemory)
		ta.handle.ReadPiece(al.Piece)
	}
}

func (ta *TorrentAccess) handleSaveResumeData(al engine.SaveResumeDataAlert) {
	if al.Err != nil {
		ta.logger.Levelf(analog.Warning, "resume data not produced: %v", al.Err)
	} else if path := ta.cache.Save(ResumeName(al.InfoHash), al.Blob); path != "" {
		ta.logger.Levelf(analog.Debug, "resume data saved to %s", path)
	}
	ta.resumeOnce.Do(func() { close(ta.resumeSaved) })
}

// Close tears the session down: resume data is saved while the DHT state is
// snapshotted in parallel, then the engine is paused, the torrent removed and
// the driver joined; the DHT snapshot is awaited last.
// With KeepFiles unset the downloaded payload and cache entries are purged.
func (ta *TorrentAccess) Close() error {
	if ta.stopped.Load() {
		return nil
	}

	var g errgroup.Group
	g.Go(func() error {
		blob, err := ta.eng.SaveState()
		if err != nil {
			return fmt.Errorf("snapshot dht state: %w", err)
		}
		ta.cache.Save(DHTStateName, blob)
		return nil
	})

	if ta.handle != nil {
		ta.handle.SaveResumeData()
		select {
		case <-ta.resumeSaved:
		case <-time.After(resumeWaitBound):
			ta.logger.Levelf(analog.Warning, "resume data not saved within %s", resumeWaitBound)
		}
		ta.eng.Pause()
		ta.eng.RemoveTorrent(ta.handle, !ta.opts.KeepFiles)
	}

	ta.stopped.Store(true)
	close(ta.stop)
	ta.wg.Wait()

	if err := g.Wait(); err != nil {
		ta.logger.Levelf(analog.Warning, "%v", err)
	}

	ta.saveHistory()
	if !ta.opts.KeepFiles {
		ta.cache.Delete(TorrentName(ta.params.InfoHash))
		ta.cache.Delete(ResumeName(ta.params.InfoHash))
	}
	return ta.teardown()
}

func (ta *TorrentAccess) saveHistory() {
	if ta.history == nil || ta.fileIndex < 0 {
		return
	}
	err := ta.history.Put(HistoryEntry{
		InfoHash:  ta.params.InfoHash.HexString(),
		FileIndex: ta.fileIndex,
		Position:  ta.pos,
		SessionID: ta.sessionID.String(),
		UpdatedAt: time.Now(),
	})
	if err != nil {
		ta.logger.Levelf(analog.Warning, "saving playback history: %v", err)
	}
}

// teardown releases resources without the shutdown protocol; used for
// failed opens and as the tail of Close.
func (ta *TorrentAccess) teardown() error {
	ta.stopped.Store(true)
	if ta.history != nil {
		ta.history.Close()
		ta.history = nil
	}
	return ta.eng.Close()
}
