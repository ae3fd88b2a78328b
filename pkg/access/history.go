package access

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"go.etcd.io/bbolt"
)

const playbackBucket = "playback"

// ErrHistoryNotFound is returned when a torrent has no playback record.
var ErrHistoryNotFound = errors.New("no playback history")

// HistoryEntry records where playback of a torrent last stood, so a later
// session can resume the same file at the same position.
type HistoryEntry struct {
	InfoHash  string    `json:"infoHash"`
	FileIndex int       `json:"fileIndex"`
	Position  int64     `json:"position"`
	SessionID string    `json:"sessionId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// History is a small bbolt-backed store of playback records, living next to
// the cached torrent bodies.
type History struct {
	db *bbolt.DB
}

// OpenHistory opens (or creates) the playback history database.
func OpenHistory(path string) (*History, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(playbackBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize history database: %w", err)
	}
	return &History{db: db}, nil
}

// Put upserts the playback record for a torrent.
func (h *History) Put(e HistoryEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return h.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(playbackBucket)).Put([]byte(e.InfoHash), data)
	})
}

// Get fetches the playback record for a torrent.
func (h *History) Get(hash metainfo.Hash) (HistoryEntry, error) {
	var e HistoryEntry
	err := h.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(playbackBucket)).Get([]byte(hash.HexString()))
		if data == nil {
			return ErrHistoryNotFound
		}
		return json.Unmarshal(data, &e)
	})
	return e, err
}

// Delete removes the playback record for a torrent.
func (h *History) Delete(hash metainfo.Hash) error {
	return h.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(playbackBucket)).Delete([]byte(hash.HexString()))
	})
}

// Close closes the underlying database.
func (h *History) Close() error {
	return h.db.Close()
}
