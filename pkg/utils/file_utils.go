package utils

import (
	"path/filepath"
	"strings"

	"seedstream/pkg/access"
)

// VideoExtensions contains common video file extensions.
var VideoExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".avi":  true,
	".mov":  true,
	".wmv":  true,
	".flv":  true,
	".webm": true,
	".m4v":  true,
	".3gp":  true,
	".ts":   true,
	".m2ts": true,
}

// IsVideoFile checks if a file is a video file based on extension.
func IsVideoFile(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return VideoExtensions[ext]
}

// LargestVideoFile picks the biggest video file from a playlist, falling
// back to the biggest file of any kind. Returns -1 for an empty playlist.
func LargestVideoFile(items []access.FileItem) int {
	best := -1
	var bestLen int64
	for _, it := range items {
		if IsVideoFile(it.Name) && it.Length > bestLen {
			best = it.Index
			bestLen = it.Length
		}
	}
	if best >= 0 {
		return best
	}
	for _, it := range items {
		if it.Length > bestLen {
			best = it.Index
			bestLen = it.Length
		}
	}
	return best
}
