package access

import (
	"fmt"
	"net/url"
	"strings"

	"seedstream/pkg/engine"
)

// Scheme is the public URI scheme for locally available torrent bodies.
// Plain file paths are promoted to it.
const Scheme = "torrent://"

// ParseURI translates a player-supplied location into engine add-parameters
// and the canonical public URI. Magnet URIs produce parameters without
// metadata; everything else is loaded as a torrent file.
func ParseURI(location string) (*engine.AddParams, string, error) {
	decoded, err := url.PathUnescape(location)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if strings.HasPrefix(decoded, "magnet:?") {
		params, err := engine.ParseMagnet(decoded)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidURI, err)
		}
		return params, decoded, nil
	}
	path := strings.TrimPrefix(decoded, Scheme)
	params, err := engine.ParseTorrentFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	return params, Scheme + path, nil
}
