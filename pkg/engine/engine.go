// Package engine wraps the anacrolix torrent client behind the narrow
// contract the access layer consumes: add/remove torrents, an alert stream,
// piece-level priorities and reads, and resume/DHT state persistence.
package engine

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anacrolix/dht/v2/krpc"
	analog "github.com/anacrolix/log"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/storage"
)

var ErrEngineClosed = errors.New("engine is closed")

const alertBacklog = 256

type atomicAlertMask struct{ v atomic.Uint32 }

func (m *atomicAlertMask) set(mask AlertMask) { m.v.Store(uint32(mask)) }
func (m *atomicAlertMask) get() AlertMask     { return AlertMask(m.v.Load()) }

// Config configures a new Engine.
type Config struct {
	Settings Settings
	Logger   analog.Logger
}

// Engine owns the torrent client and the alert stream. A single consumer is
// expected to drain alerts through WaitForAlert/PopAlerts.
type Engine struct {
	client   *torrent.Client
	settings Settings
	logger   analog.Logger

	alerts    chan Alert
	pending   []Alert // alert staged by WaitForAlert for the next PopAlerts
	alertMask atomicAlertMask

	mu      sync.Mutex
	handles map[*Handle]struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

// New creates an engine applying the given settings.
func New(cfg Config) (*Engine, error) {
	cc := torrent.NewDefaultClientConfig()
	cfg.Settings.apply(cc)
	cc.Logger = cfg.Logger
	// UTP leaks connections under churn, see anacrolix/torrent#392.
	cc.DisableUTP = true

	client, err := torrent.NewClient(cc)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		client:   client,
		settings: cfg.Settings,
		logger:   cfg.Logger,
		alerts:   make(chan Alert, alertBacklog),
		handles:  make(map[*Handle]struct{}),
		closed:   make(chan struct{}),
	}
	e.alertMask.set(AllNotifications)
	return e, nil
}

// SetAlertMask restricts which alert categories are posted.
func (e *Engine) SetAlertMask(mask AlertMask) {
	e.alertMask.set(mask)
}

// AddTorrent adds a torrent described by params and returns its handle.
// Magnet adds carry no metadata; the handle posts MetadataReceivedAlert once
// the info dictionary arrives.
func (e *Engine) AddTorrent(p *AddParams) (*Handle, error) {
	var spec *torrent.TorrentSpec
	if p.Metainfo != nil {
		var err error
		spec, err = torrent.TorrentSpecFromMetaInfoErr(p.Metainfo)
		if err != nil {
			return nil, err
		}
	} else {
		spec = &torrent.TorrentSpec{
			InfoHash:    p.InfoHash,
			DisplayName: p.DisplayName,
		}
		if len(p.Trackers) > 0 {
			spec.Trackers = [][]string{p.Trackers}
		}
	}
	if p.SavePath != "" {
		spec.Storage = storage.NewFile(p.SavePath)
	}

	t, _, err := e.client.AddTorrentSpec(spec)
	if err != nil {
		return nil, err
	}
	h := newHandle(e, t, p)
	e.mu.Lock()
	e.handles[h] = struct{}{}
	e.mu.Unlock()
	return h, nil
}

// RemoveTorrent drops the torrent from the engine. When deleteFiles is set
// the downloaded payload is removed from the save path as well.
func (e *Engine) RemoveTorrent(h *Handle, deleteFiles bool) {
	e.mu.Lock()
	delete(e.handles, h)
	e.mu.Unlock()

	var paths []string
	if deleteFiles && h.t.Info() != nil {
		for _, f := range h.t.Files() {
			paths = append(paths, filepath.Join(h.params.SavePath, f.Path()))
		}
	}
	h.shutdown()
	h.t.Drop()
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			e.logger.Levelf(analog.Warning, "removing %s: %v", p, err)
		}
	}
}

// WaitForAlert blocks until an alert is available or the timeout expires.
// It returns true when PopAlerts will yield at least one alert.
func (e *Engine) WaitForAlert(timeout time.Duration) bool {
	if len(e.pending) > 0 {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case a := <-e.alerts:
		e.pending = append(e.pending, a)
		return true
	case <-timer.C:
		return false
	case <-e.closed:
		return false
	}
}

// PopAlerts drains every queued alert.
func (e *Engine) PopAlerts() []Alert {
	out := e.pending
	e.pending = nil
	for {
		select {
		case a := <-e.alerts:
			out = append(out, a)
		default:
			return out
		}
	}
}

// post queues an alert for the consumer, dropping it if it is masked out or
// the engine closes before there is room.
func (e *Engine) post(a Alert) {
	if e.alertMask.get()&a.mask() == 0 {
		return
	}
	select {
	case e.alerts <- a:
	case <-e.closed:
	}
}

// StartDHT seeds the routing table with bootstrap routers. The DHT itself
// runs from client creation; this only gives it somewhere to start.
func (e *Engine) StartDHT(routers ...string) {
	e.client.AddDhtNodes(routers)
}

// AddDHTRouter adds a single "host:port" router to the routing table.
func (e *Engine) AddDHTRouter(addr string) {
	e.client.AddDhtNodes([]string{addr})
}

// dhtState is the bencoded layout of the persisted routing table.
type dhtState struct {
	Nodes krpc.CompactIPv4NodeInfo `bencode:"nodes"`
}

// SaveState snapshots the DHT routing table as a bencoded blob.
func (e *Engine) SaveState() ([]byte, error) {
	var st dhtState
	for _, s := range e.client.DhtServers() {
		w, ok := s.(torrent.AnacrolixDhtServerWrapper)
		if !ok {
			continue
		}
		st.Nodes = append(st.Nodes, w.Server.Nodes()...)
	}
	return bencode.Marshal(st)
}

// LoadState feeds a previously saved routing table back into the DHT.
func (e *Engine) LoadState(blob []byte) error {
	var st dhtState
	if err := bencode.Unmarshal(blob, &st); err != nil {
		return err
	}
	addrs := make([]string, 0, len(st.Nodes))
	for _, n := range st.Nodes {
		addrs = append(addrs, n.Addr.String())
	}
	e.client.AddDhtNodes(addrs)
	e.logger.Levelf(analog.Debug, "loaded %d dht nodes", len(addrs))
	return nil
}

// Pause stops transferring data on every torrent without dropping peers.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for h := range e.handles {
		h.t.DisallowDataDownload()
		h.t.DisallowDataUpload()
	}
}

// Close shuts the client down. Pending alert posts are released.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.mu.Lock()
		for h := range e.handles {
			h.shutdown()
		}
		e.handles = map[*Handle]struct{}{}
		e.mu.Unlock()
		e.client.Close()
	})
	return nil
}
