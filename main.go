package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/adrg/xdg"
	"github.com/spf13/afero"

	"github.com/NamanBalaji/piecework/internal/cli"
	"github.com/NamanBalaji/piecework/internal/config"
	"github.com/NamanBalaji/piecework/internal/logger"
)

const usage = `usage:
  piecework fetch [flags] URL
  piecework verify -torrent FILE -dir DIR

run "piecework <command> -h" for the flags of a command
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		cancel()
	}()

	var code int
	switch os.Args[1] {
	case "fetch":
		code = runFetch(ctx, os.Args[2:])
	case "verify":
		code = runVerify(ctx, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		code = 2
	}

	logger.Close()
	os.Exit(code)
}

func initLogging(debug bool) {
	err := logger.InitLogging(debug, filepath.Join(xdg.StateHome, "piecework", "piecework.log"))
	if err != nil {
		log.Printf("Warning: Failed to initialize logging: %v\n", err)
	}
}

func runFetch(ctx context.Context, args []string) int {
	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("Error reading config %s: %v\n", config.Path(), err)
	}

	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.StringVar(&cfg.Http.DownloadDir, "dir", cfg.Http.DownloadDir, "Directory to store the file in")
	fs.IntVar(&cfg.Http.Split, "split", cfg.Http.Split, "Number of parallel connections")
	fs.BoolVar(&cfg.Transfer.Continue, "continue", cfg.Transfer.Continue, "Resume from an existing control file")
	fs.BoolVar(&cfg.Transfer.CheckIntegrity, "check-integrity", cfg.Transfer.CheckIntegrity,
		"Check existing data against -checksum before fetching")
	fs.StringVar(&cfg.Http.Checksum, "checksum", cfg.Http.Checksum,
		"Whole-file digest as algo=hex, e.g. sha-256=9f86d0..., checked on completion and with -check-integrity")
	fs.BoolVar(&cfg.Transfer.AllowPieceLengthChange, "allow-piece-length-change", cfg.Transfer.AllowPieceLengthChange,
		"Discard saved state when the piece length differs instead of failing")
	fs.TextVar(&cfg.Transfer.PieceLength, "piece-length", cfg.Transfer.PieceLength, "Piece length, e.g. 1MB")
	fs.TextVar(&cfg.Http.MinSplitSize, "min-split-size", cfg.Http.MinSplitSize, "Smallest range worth splitting, e.g. 20MB")
	fs.TextVar(&cfg.Http.RateLimit, "rate-limit", cfg.Http.RateLimit, "Maximum download rate per second, 0 for unlimited")
	fs.StringVar(&cfg.Transfer.ControlBackend, "control", cfg.Transfer.ControlBackend, "Control state backend: file or bbolt")
	fs.StringVar(&cfg.Transfer.Allocation, "allocation", cfg.Transfer.Allocation,
		"direct writes in place, copy writes a .part file and moves it on completion")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "fetch needs exactly one URL")
		fs.Usage()
		return 2
	}

	initLogging(*debug)

	sum, err := cli.Fetch(ctx, cfg, fs.Arg(0), os.Stdout)
	if sum.TotalLength > 0 {
		fmt.Println(cli.RenderSummary(sum))
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, cli.RenderError(err))
		return 1
	}

	return 0
}

func runVerify(ctx context.Context, args []string) int {
	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("Error reading config %s: %v\n", config.Path(), err)
	}

	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	debug := fs.Bool("debug", false, "Enable debug logging")
	torrent := fs.String("torrent", "", "Path to the .torrent file")
	dir := fs.String("dir", cfg.Torrent.DownloadDir, "Directory holding the torrent's files")
	_ = fs.Parse(args)

	if *torrent == "" {
		fmt.Fprintln(os.Stderr, "verify needs -torrent")
		fs.Usage()
		return 2
	}

	initLogging(*debug)

	res, err := cli.Verify(ctx, afero.NewOsFs(), *torrent, *dir, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, cli.RenderError(err))
		return 1
	}

	fmt.Println(cli.RenderVerify(res))
	if !res.OK() {
		return 1
	}

	return 0
}
