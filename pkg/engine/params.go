package engine

import (
	"fmt"

	"github.com/anacrolix/torrent/metainfo"
)

// AddParams describes a torrent to be added to the engine. Metainfo and Info
// are nil for magnet adds until the metadata has been fetched.
type AddParams struct {
	InfoHash    metainfo.Hash
	DisplayName string
	Trackers    []string
	Metainfo    *metainfo.MetaInfo
	Info        *metainfo.Info
	ResumeBlob  []byte
	SavePath    string
}

// HasMetadata reports whether the info dictionary is already available.
func (p *AddParams) HasMetadata() bool {
	return p.Info != nil
}

// ParseMagnet parses a magnet URI into add-parameters carrying the info-hash
// and trackers but no metadata.
func ParseMagnet(uri string) (*AddParams, error) {
	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return nil, fmt.Errorf("parse magnet: %w", err)
	}
	return &AddParams{
		InfoHash:    m.InfoHash,
		DisplayName: m.DisplayName,
		Trackers:    m.Trackers,
	}, nil
}

// ParseTorrentFile loads a .torrent file into add-parameters with the full
// info dictionary attached.
func ParseTorrentFile(path string) (*AddParams, error) {
	mi, err := metainfo.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load torrent file: %w", err)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, fmt.Errorf("parse info dictionary: %w", err)
	}
	return &AddParams{
		InfoHash:    mi.HashInfoBytes(),
		DisplayName: info.Name,
		Trackers:    mi.UpvertedAnnounceList().DistinctValues(),
		Metainfo:    mi,
		Info:        &info,
	}, nil
}
