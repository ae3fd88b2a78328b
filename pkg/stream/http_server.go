// Package stream exposes an open torrent file over HTTP so external players
// can consume it. Blocks are pulled from the access layer one at a time; a
// Range request start maps onto a piece-queue seek.
package stream

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	analog "github.com/anacrolix/log"

	"seedstream/pkg/access"
)

// BlockSource is the slice of the access layer the server pulls from. Only
// one request at a time may consume it; the server serializes internally.
type BlockSource interface {
	ReadNextBlock() (access.Piece, bool)
	SelectPieces(offset int64) error
	FileName() string
	FileLength() int64
}

// Server serves the selected torrent file to a single media player.
type Server struct {
	addr   string
	logger analog.Logger

	mu     sync.Mutex // serializes consumers of src
	src    BlockSource
	server *http.Server
	ln     net.Listener
}

// NewServer creates a streaming server bound to 127.0.0.1:port.
func NewServer(port int, src BlockSource, logger analog.Logger) *Server {
	return &Server{
		addr:   fmt.Sprintf("127.0.0.1:%d", port),
		src:    src,
		logger: logger,
	}
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/info", s.handleInfo)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.addr, err)
	}
	s.ln = ln
	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// No write timeout; playback can outlive any fixed bound.
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Levelf(analog.Error, "http server: %v", err)
		}
	}()
	return nil
}

// Stop closes the server.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// URL returns the stream endpoint.
func (s *Server) URL() string {
	return fmt.Sprintf("http://%s/stream", s.addr)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"file":       s.src.FileName(),
		"size":       s.src.FileLength(),
		"stream_url": s.URL(),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fileSize := s.src.FileLength()
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-cache")

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.FormatInt(fileSize, 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	start, err := parseRangeStart(r.Header.Get("Range"), fileSize)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", fileSize))
		http.Error(w, "requested range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.src.SelectPieces(start); err != nil {
		http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if start > 0 {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, fileSize-1, fileSize))
		w.Header().Set("Content-Length", strconv.FormatInt(fileSize-start, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(fileSize, 10))
		w.WriteHeader(http.StatusOK)
	}

	flusher, _ := w.(http.Flusher)
	for {
		p, eof := s.src.ReadNextBlock()
		if eof {
			s.logger.Levelf(analog.Debug, "stream finished")
			return
		}
		if p.Data == nil {
			// Retryable timeout; bail out only if the client went away.
			select {
			case <-r.Context().Done():
				return
			default:
				continue
			}
		}
		if _, err := w.Write(p.Data); err != nil {
			s.logger.Levelf(analog.Debug, "client disconnected: %v", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// parseRangeStart extracts the start offset of a "bytes=N-" range header.
// Suffix and multi-range forms are not supported; an empty header is a full
// read from zero.
func parseRangeStart(header string, fileSize int64) (int64, error) {
	if header == "" {
		return 0, nil
	}
	spec := strings.TrimPrefix(header, "bytes=")
	start, _, _ := strings.Cut(spec, "-")
	if start == "" {
		return 0, fmt.Errorf("unsupported range %q", header)
	}
	n, err := strconv.ParseInt(start, 10, 64)
	if err != nil || n < 0 || n >= fileSize {
		return 0, fmt.Errorf("invalid range %q", header)
	}
	return n, nil
}
