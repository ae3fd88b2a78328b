package engine

import "github.com/anacrolix/torrent/metainfo"

// TorrentState mirrors the lifecycle the engine reports through
// StateChangedAlert. Paths may skip intermediate stages.
type TorrentState int

const (
	QueuedForChecking TorrentState = iota
	DownloadingMetadata
	CheckingResumeData
	Downloading
	Finished
	Seeding
	Allocating
	CheckingFiles
)

func (s TorrentState) String() string {
	switch s {
	case QueuedForChecking:
		return "queued for checking"
	case DownloadingMetadata:
		return "downloading metadata"
	case CheckingResumeData:
		return "checking resume data"
	case Downloading:
		return "downloading"
	case Finished:
		return "finished"
	case Seeding:
		return "seeding"
	case Allocating:
		return "allocating"
	case CheckingFiles:
		return "checking files"
	default:
		return "unknown"
	}
}

// Readable reports whether piece data can be read in this state.
func (s TorrentState) Readable() bool {
	return s == Downloading || s == Finished || s == Seeding
}

// AlertMask selects which alert categories the engine posts.
type AlertMask uint32

const (
	StatusNotification AlertMask = 1 << iota
	StorageNotification
	ProgressNotification

	AllNotifications = StatusNotification | StorageNotification | ProgressNotification
)

// Alert is one event popped from the engine's event stream. The concrete
// types below form a sealed set; consumers dispatch with a type switch.
type Alert interface {
	isAlert()
	mask() AlertMask
}

// StateChangedAlert reports a torrent lifecycle transition.
type StateChangedAlert struct {
	InfoHash metainfo.Hash
	State    TorrentState
}

// ReadPieceAlert delivers the verified bytes of one piece. Data is nil when
// the read failed; the requester is expected to reissue.
type ReadPieceAlert struct {
	InfoHash metainfo.Hash
	Piece    int
	Data     []byte
	Err      error
}

// PieceFinishedAlert reports that a piece was downloaded and verified.
type PieceFinishedAlert struct {
	InfoHash metainfo.Hash
	Piece    int
}

// SaveResumeDataAlert carries the bencoded resume blob produced by
// Handle.SaveResumeData.
type SaveResumeDataAlert struct {
	InfoHash metainfo.Hash
	Blob     []byte
	Err      error
}

// MetadataReceivedAlert reports that the info dictionary for a magnet add
// has been obtained from the swarm.
type MetadataReceivedAlert struct {
	InfoHash metainfo.Hash
}

func (StateChangedAlert) isAlert()     {}
func (ReadPieceAlert) isAlert()        {}
func (PieceFinishedAlert) isAlert()    {}
func (SaveResumeDataAlert) isAlert()   {}
func (MetadataReceivedAlert) isAlert() {}

func (StateChangedAlert) mask() AlertMask     { return StatusNotification }
func (ReadPieceAlert) mask() AlertMask        { return StorageNotification }
func (PieceFinishedAlert) mask() AlertMask    { return ProgressNotification }
func (SaveResumeDataAlert) mask() AlertMask   { return StorageNotification }
func (MetadataReceivedAlert) mask() AlertMask { return StatusNotification }
