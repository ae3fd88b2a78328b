package access

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	analog "github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
)

// Cache file names. Torrent bodies and resume blobs are keyed by info-hash;
// the DHT routing table is a single shared blob.
const DHTStateName = "dht_state.dat"

// TorrentName returns the cache key for a torrent body.
func TorrentName(hash metainfo.Hash) string { return hash.HexString() + ".torrent" }

// ResumeName returns the cache key for a resume blob.
func ResumeName(hash metainfo.Hash) string { return hash.HexString() + ".resume" }

// Store is an advisory filesystem cache for bencoded blobs. Every operation
// degrades to "not cached" on error; nothing here is ever fatal.
type Store struct {
	dir    string
	logger analog.Logger
}

// NewStore opens a cache rooted at dir, creating it if needed. An empty dir
// (or one that cannot be created) yields a store whose operations no-op.
func NewStore(dir string, logger analog.Logger) *Store {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Levelf(analog.Warning, "cache disabled: %v", err)
			dir = ""
		}
	}
	return &Store{dir: dir, logger: logger}
}

// DefaultDir returns the per-user cache directory.
func DefaultDir() string {
	return filepath.Join(xdg.CacheHome, "seedstream")
}

// Save writes data under name, truncating any previous content. It returns
// the file path, or "" on error.
func (s *Store) Save(name string, data []byte) string {
	if s.dir == "" {
		return ""
	}
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.logger.Levelf(analog.Warning, "cache save %s: %v", name, err)
		return ""
	}
	return path
}

// Lookup returns the path of a cached entry if it exists and is readable,
// "" otherwise.
func (s *Store) Lookup(name string) string {
	if s.dir == "" {
		return ""
	}
	path := filepath.Join(s.dir, name)
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	f.Close()
	return path
}

// Load returns the full contents of a cached entry, or nil on any error.
func (s *Store) Load(name string) []byte {
	if s.dir == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil
	}
	return data
}

// Delete removes a cached entry, ignoring failure.
func (s *Store) Delete(name string) {
	if s.dir == "" {
		return
	}
	os.Remove(filepath.Join(s.dir, name))
}
