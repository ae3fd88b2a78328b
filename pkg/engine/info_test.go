package engine

import (
	"fmt"
	"testing"

	"github.com/anacrolix/torrent/metainfo"
)

// testInfo builds an info dictionary with the given piece length and file
// lengths; piece hashes are zeroed.
func testInfo(pieceLength int64, fileLengths ...int64) *metainfo.Info {
	info := &metainfo.Info{
		Name:        "testdata",
		PieceLength: pieceLength,
	}
	var total int64
	for i, l := range fileLengths {
		total += l
		info.Files = append(info.Files, metainfo.FileInfo{
			Length: l,
			Path:   []string{fmt.Sprintf("f%d", i)},
		})
	}
	numPieces := (total + pieceLength - 1) / pieceLength
	info.Pieces = make([]byte, 20*numPieces)
	return info
}

func TestMapFileStart(t *testing.T) {
	info := testInfo(64, 100, 156)

	r := MapFile(info, 0, 0, 100)
	if r.Piece != 0 || r.Start != 0 || r.Length != 100 {
		t.Fatalf("unexpected range %+v", r)
	}
	if n := r.Pieces(info.PieceLength); n != 2 {
		t.Fatalf("expected 2 pieces, got %d", n)
	}
}

func TestMapFileSecondFile(t *testing.T) {
	info := testInfo(64, 100, 156)

	// File 1 starts at global offset 100, inside piece 1.
	r := MapFile(info, 1, 0, 156)
	if r.Piece != 1 || r.Start != 36 || r.Length != 156 {
		t.Fatalf("unexpected range %+v", r)
	}
	if n := r.Pieces(info.PieceLength); n != 3 {
		t.Fatalf("expected 3 pieces, got %d", n)
	}
}

func TestMapFileMidOffset(t *testing.T) {
	info := testInfo(64, 640)

	r := MapFile(info, 0, 5*64+3, 640-(5*64+3))
	if r.Piece != 5 || r.Start != 3 {
		t.Fatalf("unexpected range %+v", r)
	}
	if r.Length != 640-(5*64+3) {
		t.Fatalf("unexpected length %d", r.Length)
	}
}

func TestMapFileClampsLength(t *testing.T) {
	info := testInfo(64, 100)

	r := MapFile(info, 0, 90, 1000)
	if r.Length != 10 {
		t.Fatalf("expected clamp to 10 bytes, got %d", r.Length)
	}
}

func TestMapFileAtEnd(t *testing.T) {
	info := testInfo(64, 100)

	r := MapFile(info, 0, 100, 0)
	if r.Length != 0 {
		t.Fatalf("expected empty range, got %+v", r)
	}
	if n := r.Pieces(info.PieceLength); n != 0 {
		t.Fatalf("expected 0 pieces, got %d", n)
	}
}

func TestFileHelpers(t *testing.T) {
	info := testInfo(64, 100, 156)

	if n := NumFiles(info); n != 2 {
		t.Fatalf("expected 2 files, got %d", n)
	}
	if l := FileLength(info, 1); l != 156 {
		t.Fatalf("expected length 156, got %d", l)
	}
	if name := FileName(info, 0); name == "" {
		t.Fatal("expected a display path")
	}
	// Final piece is full when the total divides evenly: 256 bytes over 64-byte pieces.
	if l := PieceSize(info, 3); l != 64 {
		t.Fatalf("expected final piece of 64 bytes, got %d", l)
	}
	info = testInfo(64, 100)
	if l := PieceSize(info, 1); l != 36 {
		t.Fatalf("expected truncated final piece of 36 bytes, got %d", l)
	}
}
