package access

import (
	"fmt"

	analog "github.com/anacrolix/log"
	"github.com/anacrolix/torrent/bencode"
)

// fetchMetadata fills the add-parameters of a magnet link with a torrent
// info dictionary, preferring the cache and falling back to the swarm. On
// success the public URI points at the cached torrent body.
//
// The swarm path pumps the alert stream synchronously on the calling
// thread: failure stays a plain return value and the session driver cannot
// race the add/remove pair used to synthesize the torrent file.
func (ta *TorrentAccess) fetchMetadata() error {
	name := TorrentName(ta.params.InfoHash)

	if path := ta.cache.Lookup(name); path != "" {
		if err := ta.graftTorrentFile(path); err == nil {
			ta.logger.Levelf(analog.Debug, "metadata served from cache: %s", path)
			return nil
		}
		// Corrupt cache entry; refetch from the swarm.
		ta.cache.Delete(name)
	}

	h, err := ta.eng.AddTorrent(ta.params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMetadataFailed, err)
	}
	ta.run(true)

	if h.Info() == nil {
		ta.eng.RemoveTorrent(h, false)
		return ErrMetadataFailed
	}
	mi := h.Metainfo()
	ta.eng.RemoveTorrent(h, false)

	blob, err := bencode.Marshal(mi)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMetadataFailed, err)
	}
	path := ta.cache.Save(name, blob)
	if path == "" {
		return fmt.Errorf("%w: cache write failed", ErrMetadataFailed)
	}
	if err := ta.graftTorrentFile(path); err != nil {
		return fmt.Errorf("%w: %v", ErrMetadataFailed, err)
	}
	ta.logger.Levelf(analog.Info, "metadata fetched, torrent cached at %s", path)
	return nil
}

// graftTorrentFile loads a cached torrent body into the existing
// add-parameters and rewrites the public URI to point at it.
func (ta *TorrentAccess) graftTorrentFile(path string) error {
	fetched, _, err := ParseURI(Scheme + path)
	if err != nil {
		return err
	}
	ta.params.Metainfo = fetched.Metainfo
	ta.params.Info = fetched.Info
	ta.params.DisplayName = fetched.DisplayName
	ta.uri = Scheme + path
	return nil
}
