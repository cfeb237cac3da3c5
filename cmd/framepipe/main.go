package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/framepipe/framepipe/internal/cli/uploader"
	"github.com/framepipe/framepipe/internal/clienthttp"
	"github.com/framepipe/framepipe/internal/config"
	"github.com/framepipe/framepipe/internal/logging"
	"github.com/framepipe/framepipe/internal/termio"
)

const clientVersion = "v0.1.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 || hasHelpFlag(args[:1]) {
		printUsage()
		return
	}
	if hasVersionFlag(args) {
		fmt.Fprintln(termio.Stdout(), clientVersion)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmdName := args[0]; cmdName {
	case "upload":
		err = runUpload(ctx, args[1:], false)
	case "resume":
		err = runUpload(ctx, args[1:], true)
	case "status":
		err = runStatus(ctx, args[1:])
	case "cancel":
		err = runCancel(ctx, args[1:])
	default:
		if hasHelpFlag(args) {
			printUsage()
			return
		}
		fmt.Fprintf(termio.Stderr(), "unknown command: %s\n", cmdName)
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "%s\n", err)
		os.Exit(1)
	}
}

func runUpload(ctx context.Context, args []string, resume bool) error {
	name := "upload"
	if resume {
		name = "resume"
	}
	cfg, rest := config.ParseClientConfigArgs(name, args)
	var path, token string
	if resume {
		if len(rest) != 2 {
			return errors.New("usage: framepipe resume [flags] <session-token> <file>")
		}
		token, path = rest[0], rest[1]
	} else {
		if len(rest) != 1 {
			return errors.New("usage: framepipe upload [flags] <file>")
		}
		path = rest[0]
	}
	logger := logging.New("framepipe", cfg.LogLevel, false)
	return uploader.Run(ctx, uploader.Options{
		ServerURL: cfg.ServerURL,
		AuthToken: cfg.AuthToken,
		ChunkSize: cfg.ChunkSize,
		Logger:    logger,
		Out:       termio.Stdout(),
	}, path, token)
}

func runStatus(ctx context.Context, args []string) error {
	cfg, rest := config.ParseClientConfigArgs("status", args)
	if len(rest) != 1 {
		return errors.New("usage: framepipe status [flags] <session-token>")
	}
	api := clienthttp.New(cfg.ServerURL, cfg.AuthToken)
	st, err := api.SessionStatus(ctx, rest[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(termio.Stdout(), "filename:  %s\n", st.Filename)
	fmt.Fprintf(termio.Stdout(), "size:      %d bytes\n", st.FileSize)
	fmt.Fprintf(termio.Stdout(), "chunks:    %d/%d\n", st.ReceivedChunks, st.TotalChunks)
	fmt.Fprintf(termio.Stdout(), "status:    %s\n", st.Status)
	fmt.Fprintf(termio.Stdout(), "expires:   %s\n", st.ExpiresAt.Format(time.RFC3339))
	if st.CompletedAt != nil {
		fmt.Fprintf(termio.Stdout(), "completed: %s\n", st.CompletedAt.Format(time.RFC3339))
	}
	return nil
}

func runCancel(ctx context.Context, args []string) error {
	cfg, rest := config.ParseClientConfigArgs("cancel", args)
	if len(rest) != 1 {
		return errors.New("usage: framepipe cancel [flags] <session-token>")
	}
	api := clienthttp.New(cfg.ServerURL, cfg.AuthToken)
	if err := api.CancelSession(ctx, rest[0]); err != nil {
		return err
	}
	fmt.Fprintln(termio.Stdout(), "session cancelled")
	return nil
}

func printUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: framepipe <command> [flags] [args]")
	fmt.Fprintln(termio.Stderr(), "commands:")
	fmt.Fprintln(termio.Stderr(), "  upload <file>                  create a session and upload the file")
	fmt.Fprintln(termio.Stderr(), "  resume <session-token> <file>  resume an interrupted upload")
	fmt.Fprintln(termio.Stderr(), "  status <session-token>         show session progress")
	fmt.Fprintln(termio.Stderr(), "  cancel <session-token>         cancel a session and discard its chunks")
	fmt.Fprintln(termio.Stderr(), "flags:")
	fmt.Fprintln(termio.Stderr(), "  --server-url URL   server base URL (default http://localhost:8080)")
	fmt.Fprintln(termio.Stderr(), "  --auth-token S     bearer token (env FRAMEPIPE_AUTH_TOKEN)")
	fmt.Fprintln(termio.Stderr(), "  --chunk-size N     chunk size in bytes for new sessions (default 1MiB)")
	fmt.Fprintln(termio.Stderr(), "  --log-level LEVEL  debug, info, warn, error (default info)")
	fmt.Fprintln(termio.Stderr(), "quick examples:")
	fmt.Fprintln(termio.Stderr(), "  framepipe upload ./clip.mp4")
	fmt.Fprintln(termio.Stderr(), "  framepipe resume 4f1c... ./clip.mp4")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
