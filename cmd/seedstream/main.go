package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	analog "github.com/anacrolix/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"seedstream/pkg/access"
	"seedstream/pkg/api"
	"seedstream/pkg/stream"
	"seedstream/pkg/utils"
)

var (
	port        int
	downloadDir string
	fileIndex   int
	keepFiles   bool
	autoSelect  bool
	verbose     bool
	upRate      int
	downRate    int
	shareRatio  float64
)

var rootCmd = &cobra.Command{
	Use:   "seedstream [magnet-link or torrent-file]",
	Short: "Stream torrents and magnet links to a media player",
	Long: `seedstream opens a torrent file or magnet link and serves the selected
file over HTTP while it downloads, so a media player can start playback
immediately. Magnet metadata, resume data and DHT state are cached between
runs for fast restarts.`,
	Args: cobra.ExactArgs(1),
	RunE: runSeedstream,
}

func init() {
	rootCmd.Flags().IntVarP(&port, "port", "p", 8090, "HTTP server port")
	rootCmd.Flags().StringVarP(&downloadDir, "download-dir", "d", "", "Download directory (default: platform download dir)")
	rootCmd.Flags().IntVarP(&fileIndex, "file-index", "f", -1, "File index to stream (<0 lists the torrent as a playlist)")
	rootCmd.Flags().BoolVar(&keepFiles, "keep-files", true, "Keep downloaded files and resume data on exit")
	rootCmd.Flags().BoolVar(&autoSelect, "auto", false, "Pick the file automatically (playback history, then largest video)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable engine debug logging")
	rootCmd.Flags().IntVar(&upRate, "upload-rate-limit", 0, "Upload rate limit in kB/s (0 = unlimited)")
	rootCmd.Flags().IntVar(&downRate, "download-rate-limit", 0, "Download rate limit in kB/s (0 = unlimited)")
	rootCmd.Flags().Float64Var(&shareRatio, "share-ratio-limit", 2.0, "Stop uploading past this share ratio")
}

// buildOptions merges the config file defaults with the flag values. Flags
// explicitly set on the command line take precedence.
func buildOptions(cmd *cobra.Command) (api.Options, error) {
	opts := api.DefaultOptions()

	cfg, err := loadFileConfig()
	if err != nil {
		return opts, fmt.Errorf("config file: %w", err)
	}
	if cfg.DownloadDir != "" {
		opts.DownloadDir = cfg.DownloadDir
	}
	if cfg.KeepFiles != nil {
		opts.KeepFiles = *cfg.KeepFiles
	}
	if cfg.UploadRateLimit > 0 {
		opts.UploadRateLimit = cfg.UploadRateLimit
	}
	if cfg.DownloadRateLimit > 0 {
		opts.DownloadRateLimit = cfg.DownloadRateLimit
	}
	if cfg.ShareRatioLimit > 0 {
		opts.ShareRatioLimit = cfg.ShareRatioLimit
	}
	if cfg.Port > 0 && !cmd.Flags().Changed("port") {
		port = cfg.Port
	}

	opts.FileIndex = fileIndex
	if cmd.Flags().Changed("download-dir") {
		opts.DownloadDir = downloadDir
	}
	if cmd.Flags().Changed("keep-files") {
		opts.KeepFiles = keepFiles
	}
	if cmd.Flags().Changed("upload-rate-limit") {
		opts.UploadRateLimit = upRate
	}
	if cmd.Flags().Changed("download-rate-limit") {
		opts.DownloadRateLimit = downRate
	}
	if cmd.Flags().Changed("share-ratio-limit") {
		opts.ShareRatioLimit = shareRatio
	}
	return opts, nil
}

func runSeedstream(cmd *cobra.Command, args []string) error {
	if !verbose {
		analog.Default.SetHandlers(analog.DiscardHandler)
	}
	logger := analog.Default

	opts, err := buildOptions(cmd)
	if err != nil {
		return err
	}

	ta, err := access.Open(args[0], access.Config{Options: opts, Logger: logger})
	if err != nil {
		return err
	}
	defer ta.Close()

	items := ta.Files()
	index := opts.FileIndex
	if index < 0 && autoSelect {
		if last, ok := ta.LastPlayed(); ok {
			index = last.FileIndex
		} else {
			index = utils.LargestVideoFile(items)
		}
	}
	if index < 0 {
		printPlaylist(ta, items)
		return nil
	}

	if err := ta.StartDownload(index); err != nil {
		return err
	}

	server := stream.NewServer(port, ta, logger)
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	fmt.Printf("Streaming %s (%s)\n", ta.FileName(), humanize.IBytes(uint64(ta.FileLength())))
	fmt.Printf("Stream URL: %s\n", server.URL())
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go printStats(ta)
	<-sigChan

	fmt.Println("\nShutting down...")
	return ta.Close()
}

// printPlaylist enumerates the torrent the way a player would browse it.
func printPlaylist(ta *access.TorrentAccess, items []access.FileItem) {
	fmt.Printf("%s\n", ta.URI())
	for _, it := range items {
		fmt.Printf("%4d  %10s  %s\n", it.Index, humanize.IBytes(uint64(it.Length)), it.Name)
	}
}

// printStats periodically displays streaming statistics.
func printStats(ta *access.TorrentAccess) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		st := ta.Stats()
		fmt.Printf("\r%5.1f%%  %s/%s  peers %d (%d seed)  %s   ",
			st.Progress*100,
			humanize.IBytes(uint64(st.Downloaded)),
			humanize.IBytes(uint64(st.TotalSize)),
			st.Peers,
			st.Seeders,
			st.State)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
