package access

import (
	"sync"
	"time"

	"seedstream/pkg/engine"
)

// torrentStatus holds the lifecycle state observed from the session driver.
// The driver is the only writer; consumer-facing operations wait on it.
type torrentStatus struct {
	mu    sync.Mutex
	state engine.TorrentState
	wake  chan struct{}
}

func newTorrentStatus() *torrentStatus {
	return &torrentStatus{
		state: engine.QueuedForChecking,
		wake:  make(chan struct{}, 1),
	}
}

func (s *torrentStatus) set(st engine.TorrentState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *torrentStatus) get() engine.TorrentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// waitReadable blocks until piece data can be read, the timeout expires or
// stop closes.
func (s *torrentStatus) waitReadable(timeout time.Duration, stop <-chan struct{}) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if s.get().Readable() {
			return true
		}
		select {
		case <-s.wake:
		case <-timer.C:
			return false
		case <-stop:
			return false
		}
	}
}
