// Package api declares the contracts between the host media player and the
// torrent access layer: configuration lookup, the block allocator, playback
// capabilities and runtime statistics.
package api

import "time"

// Version is reported to peers as part of the user agent string.
const Version = "0.1.0"

// Configuration variable names understood by the access layer. Hosts expose
// them through a VarGetter; the CLI maps them onto flags.
const (
	VarFileIndex         = "torrent-file-index"
	VarDownloadDir       = "download-dir"
	VarKeepFiles         = "keep-files"
	VarUploadRateLimit   = "upload-rate-limit"
	VarDownloadRateLimit = "download-rate-limit"
	VarShareRatioLimit   = "share-ratio-limit"
)

// VarGetter is the host player's name-based configuration lookup. The second
// return value reports whether the variable is set at all; unset variables
// fall back to the defaults in DefaultOptions.
type VarGetter interface {
	GetInt(name string) (int64, bool)
	GetFloat(name string) (float64, bool)
	GetBool(name string) (bool, bool)
	GetString(name string) (string, bool)
}

// StaticVars is a VarGetter backed by a plain map. Useful for hosts with a
// flat configuration namespace and for tests.
type StaticVars map[string]interface{}

func (v StaticVars) GetInt(name string) (int64, bool) {
	switch n := v[name].(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func (v StaticVars) GetFloat(name string) (float64, bool) {
	f, ok := v[name].(float64)
	return f, ok
}

func (v StaticVars) GetBool(name string) (bool, bool) {
	b, ok := v[name].(bool)
	return b, ok
}

func (v StaticVars) GetString(name string) (string, bool) {
	s, ok := v[name].(string)
	return s, ok
}

// Options configures a torrent access session.
type Options struct {
	FileIndex         int     // file to stream; <0 browses the torrent as a playlist
	DownloadDir       string  // save path; empty selects the platform download dir
	KeepFiles         bool    // retain downloaded files and resume data on close
	UploadRateLimit   int     // kB/s, 0 = unlimited
	DownloadRateLimit int     // kB/s, 0 = unlimited
	ShareRatioLimit   float64 // stop uploading past this ratio
}

// DefaultOptions returns the defaults documented for each configuration
// variable.
func DefaultOptions() Options {
	return Options{
		FileIndex:       -1,
		KeepFiles:       true,
		ShareRatioLimit: 2.0,
	}
}

// OptionsFromVars resolves Options through a host VarGetter, falling back to
// DefaultOptions for unset variables.
func OptionsFromVars(g VarGetter) Options {
	opts := DefaultOptions()
	if n, ok := g.GetInt(VarFileIndex); ok {
		opts.FileIndex = int(n)
	}
	if s, ok := g.GetString(VarDownloadDir); ok {
		opts.DownloadDir = s
	}
	if b, ok := g.GetBool(VarKeepFiles); ok {
		opts.KeepFiles = b
	}
	if n, ok := g.GetInt(VarUploadRateLimit); ok {
		opts.UploadRateLimit = int(n)
	}
	if n, ok := g.GetInt(VarDownloadRateLimit); ok {
		opts.DownloadRateLimit = int(n)
	}
	if f, ok := g.GetFloat(VarShareRatioLimit); ok {
		opts.ShareRatioLimit = f
	}
	return opts
}

// Allocator hands out the byte blocks returned to the consumer. Ownership of
// a block passes to the consumer when a read returns it; the consumer gives
// it back through Release.
type Allocator interface {
	Alloc(n int) []byte
	Release(b []byte)
}

// HeapAllocator is the default Allocator, backed by the Go heap.
type HeapAllocator struct{}

func (HeapAllocator) Alloc(n int) []byte { return make([]byte, n) }
func (HeapAllocator) Release([]byte)     {}

// Capabilities answers the player's feature queries for a torrent stream.
type Capabilities struct {
	CanPause       bool
	CanSeek        bool
	CanFastSeek    bool
	CanControlPace bool
}

// Stats provides runtime statistics for the active torrent.
type Stats struct {
	TorrentName   string        // name of the torrent
	TotalSize     int64         // total size in bytes
	Downloaded    int64         // downloaded bytes
	Uploaded      int64         // uploaded bytes
	Progress      float64       // download progress (0-1)
	Peers         int           // number of connected peers
	Seeders       int           // number of seeders
	StreamingFile string        // currently streaming file name
	StreamingSize int64         // size of streaming file
	State         string        // torrent state
	Uptime        time.Duration // session uptime
}
