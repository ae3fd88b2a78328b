package engine

import (
	"fmt"
	"time"

	"github.com/anacrolix/torrent/bencode"
)

// ResumeData is the bencoded resume blob persisted between sessions. Pieces
// is a big-endian bitfield with one bit per piece, set when the piece was
// complete at save time.
type ResumeData struct {
	InfoHash   string `bencode:"info-hash"`
	Pieces     []byte `bencode:"pieces"`
	Downloaded int64  `bencode:"downloaded"`
	Uploaded   int64  `bencode:"uploaded"`
	SavedAt    int64  `bencode:"saved-at"`
}

// Complete reports whether a piece was complete at save time.
func (r *ResumeData) Complete(piece int) bool {
	idx := piece / 8
	if idx >= len(r.Pieces) {
		return false
	}
	return r.Pieces[idx]&(0x80>>uint(piece%8)) != 0
}

// MarshalResumeData encodes a resume snapshot.
func MarshalResumeData(r *ResumeData) ([]byte, error) {
	return bencode.Marshal(r)
}

// ParseResumeData decodes a resume blob saved by a previous session.
func ParseResumeData(blob []byte) (*ResumeData, error) {
	var r ResumeData
	if err := bencode.Unmarshal(blob, &r); err != nil {
		return nil, fmt.Errorf("parse resume data: %w", err)
	}
	return &r, nil
}

// buildResumeData snapshots the torrent's completion state.
func (h *Handle) buildResumeData() ([]byte, error) {
	info := h.t.Info()
	if info == nil {
		return nil, ErrEngineClosed
	}
	n := info.NumPieces()
	bits := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		if h.t.PieceState(i).Complete {
			bits[i/8] |= 0x80 >> uint(i%8)
		}
	}
	stats := h.t.Stats()
	return MarshalResumeData(&ResumeData{
		InfoHash:   h.t.InfoHash().HexString(),
		Pieces:     bits,
		Downloaded: h.t.BytesCompleted(),
		Uploaded:   stats.BytesWrittenData.Int64(),
		SavedAt:    time.Now().Unix(),
	})
}
