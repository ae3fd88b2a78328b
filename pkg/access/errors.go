package access

import "errors"

// Errors returned to the host by Open, StartDownload and SelectPieces.
// ErrOutOfMemory is not returned by any of them: a failed block allocation
// during a piece fill is logged with it and the read is reissued. Failures
// observed while streaming never tear the session down; they show up as
// empty reads.
var (
	ErrInvalidURI       = errors.New("invalid torrent location")
	ErrNoDownloadDir    = errors.New("no usable download directory")
	ErrMetadataFailed   = errors.New("torrent metadata could not be retrieved")
	ErrAddTorrentFailed = errors.New("engine rejected the torrent")
	ErrOutOfMemory      = errors.New("block allocation failed")
	ErrInvalidArgument  = errors.New("invalid argument")
)
