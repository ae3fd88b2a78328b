package engine

import (
	"fmt"

	"github.com/anacrolix/torrent"
	"golang.org/x/time/rate"

	"seedstream/pkg/api"
)

// DefaultDHTRouters are the bootstrap routers added to the routing table
// every time a session opens, after any saved DHT state is loaded.
var DefaultDHTRouters = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"router.bitcomet.com:6881",
}

// Settings is the engine configuration applied when the engine is created.
// apply maps the user agent, peer bounds, connect boost and rate limits onto
// the torrent client configuration; ShareRatioLimit is enforced by each
// handle's state watcher. The remaining fields have no client counterpart
// and are carried without being applied; sequential scheduling is switched
// per handle through Handle.SetSequentialDownload.
type Settings struct {
	ActiveDownloads           int
	ActiveSeeds               int
	AnnounceToAllTrackers     bool
	UseDHTAsFallback          bool
	InitialPickerThreshold    int
	NoAtimeStorage            bool
	NoRecheckIncompleteResume bool
	MaxQueuedDiskBytes        int
	CacheSize                 int // -1 keeps the engine default
	MaxPeerlistSize           int
	NumWant                   int
	TorrentConnectBoost       int
	ShareRatioLimit           float64
	UploadRateLimit           int // kB/s, 0 = unlimited
	DownloadRateLimit         int // kB/s, 0 = unlimited
	UserAgent                 string
	SequentialDownload        bool
}

// DefaultSettings returns the tuning used for streaming playback.
func DefaultSettings() Settings {
	numWant := 200
	return Settings{
		ActiveDownloads:           1,
		ActiveSeeds:               1,
		AnnounceToAllTrackers:     true,
		UseDHTAsFallback:          false,
		InitialPickerThreshold:    0,
		NoAtimeStorage:            true,
		NoRecheckIncompleteResume: true,
		MaxQueuedDiskBytes:        2 << 20,
		CacheSize:                 -1,
		MaxPeerlistSize:           3000,
		NumWant:                   numWant,
		TorrentConnectBoost:       numWant / 10,
		ShareRatioLimit:           2.0,
		UserAgent:                 fmt.Sprintf("seedstream/%s anacrolix-torrent", api.Version),
		SequentialDownload:        true,
	}
}

// SettingsFromOptions merges the host-configurable limits into the defaults.
func SettingsFromOptions(opts api.Options) Settings {
	s := DefaultSettings()
	s.UploadRateLimit = opts.UploadRateLimit
	s.DownloadRateLimit = opts.DownloadRateLimit
	if opts.ShareRatioLimit > 0 {
		s.ShareRatioLimit = opts.ShareRatioLimit
	}
	return s
}

// apply maps the settings onto the anacrolix client configuration.
func (s Settings) apply(cc *torrent.ClientConfig) {
	cc.HTTPUserAgent = s.UserAgent
	cc.ExtendedHandshakeClientVersion = s.UserAgent
	cc.Seed = true
	cc.NoDHT = false
	cc.DisablePEX = false
	cc.DisableTrackers = false
	cc.TorrentPeersHighWater = s.MaxPeerlistSize
	cc.TorrentPeersLowWater = s.NumWant
	cc.HalfOpenConnsPerTorrent = s.TorrentConnectBoost
	if s.UploadRateLimit > 0 {
		limit := rate.Limit(s.UploadRateLimit * 1024)
		cc.UploadRateLimiter = rate.NewLimiter(limit, s.MaxQueuedDiskBytes)
	}
	if s.DownloadRateLimit > 0 {
		limit := rate.Limit(s.DownloadRateLimit * 1024)
		cc.DownloadRateLimiter = rate.NewLimiter(limit, s.MaxQueuedDiskBytes)
	}
}
