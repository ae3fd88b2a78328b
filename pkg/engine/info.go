package engine

import "github.com/anacrolix/torrent/metainfo"

// PieceRange locates a span of file bytes within the torrent's piece space,
// mirroring libtorrent's map_file.
type PieceRange struct {
	Piece  int   // first piece containing the span
	Start  int64 // offset of the span within that piece
	Length int64 // mapped length in bytes
}

// Pieces returns how many consecutive pieces the range spans.
func (r PieceRange) Pieces(pieceLength int64) int {
	if r.Length <= 0 {
		return 0
	}
	return int((r.Start + r.Length + pieceLength - 1) / pieceLength)
}

// MapFile translates (file, offset, length) into torrent piece coordinates.
// The length is clamped to the end of the file; offsets at or past the file
// end map to an empty range.
func MapFile(info *metainfo.Info, file int, offset, length int64) PieceRange {
	files := info.UpvertedFiles()
	var base int64
	for i := 0; i < file; i++ {
		base += files[i].Length
	}
	fileLength := files[file].Length
	if offset >= fileLength || length <= 0 {
		return PieceRange{Piece: int((base + fileLength) / info.PieceLength)}
	}
	if offset+length > fileLength {
		length = fileLength - offset
	}
	global := base + offset
	return PieceRange{
		Piece:  int(global / info.PieceLength),
		Start:  global % info.PieceLength,
		Length: length,
	}
}

// FileLength returns the length of one file in the torrent.
func FileLength(info *metainfo.Info, file int) int64 {
	return info.UpvertedFiles()[file].Length
}

// FileName returns the display path of one file in the torrent.
func FileName(info *metainfo.Info, file int) string {
	return info.UpvertedFiles()[file].DisplayPath(info)
}

// NumFiles returns the number of files in the torrent.
func NumFiles(info *metainfo.Info) int {
	return len(info.UpvertedFiles())
}

// PieceSize returns the length of one piece, truncated for the final piece.
func PieceSize(info *metainfo.Info, piece int) int64 {
	return info.Piece(piece).Length()
}
