// Package uploader drives a chunked upload from the CLI: create or
// resume a session, stream the missing chunks, and wait for the
// server's completion message.
package uploader

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/framepipe/framepipe/internal/clienthttp"
	"github.com/framepipe/framepipe/internal/progress"
	"github.com/framepipe/framepipe/internal/staging"
	"github.com/framepipe/framepipe/internal/wsclient"
	"github.com/framepipe/framepipe/pkg/protocol"
)

// ErrUploadFailed indicates the channel closed before the server
// confirmed completion.
var ErrUploadFailed = errors.New("upload did not complete")

// Options configure one upload run.
type Options struct {
	ServerURL string
	AuthToken string
	ChunkSize uint32
	Logger    *slog.Logger
	Out       io.Writer
}

// Run uploads path. An empty resumeToken creates a fresh session;
// otherwise the existing session is resumed and only the chunks the
// server does not hold are sent.
func Run(ctx context.Context, opts Options, path, resumeToken string) error {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()
	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}
	if stat.Size() == 0 {
		return errors.New("refusing to upload an empty file")
	}

	api := clienthttp.New(opts.ServerURL, opts.AuthToken)
	token := resumeToken
	if token == "" {
		sess, err := api.CreateSession(ctx, filepath.Base(path), stat.Size(), opts.ChunkSize)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		token = sess.SessionToken
		fmt.Fprintf(opts.Out, "session created token=%s chunks=%d expires=%s\n",
			token, sess.TotalChunks, sess.ExpiresAt.Format(time.RFC3339))
	}

	conn, err := wsclient.Dial(ctx, api.UploadSocketURL(token), opts.Logger)
	if err != nil {
		return fmt.Errorf("dial upload channel: %w", err)
	}
	defer conn.Close()

	msgCh := make(chan protocol.InboundServerMessage, 64)
	readErr := make(chan error, 1)
	readCtx, stopRead := context.WithCancel(ctx)
	defer stopRead()
	go func() {
		readErr <- conn.ReadLoop(readCtx, func(msg protocol.InboundServerMessage) {
			select {
			case msgCh <- msg:
			case <-readCtx.Done():
			}
		})
	}()

	info, err := waitSessionInfo(ctx, msgCh, readErr)
	if err != nil {
		return err
	}
	if info.FileSize != stat.Size() {
		return fmt.Errorf("session expects %d bytes but %s has %d", info.FileSize, path, stat.Size())
	}

	held, err := heldChunks(info)
	if err != nil {
		return err
	}

	meter := progress.NewMeter()
	meter.Start(info.FileSize, info.TotalChunks)

	// Stream the chunks the server is missing.
	buf := make([]byte, info.ChunkSize)
	for index := uint32(0); index < info.TotalChunks; index++ {
		size := chunkLen(info, index)
		if held != nil && held.Get(int(index)) {
			meter.ChunkSkipped(size)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		data := buf[:size]
		if _, err := file.ReadAt(data, int64(index)*int64(info.ChunkSize)); err != nil {
			return fmt.Errorf("read chunk %d: %w", index, err)
		}
		digest := staging.ChecksumChunk(data)
		err := conn.Send(protocol.ClientMessage{
			Type:        protocol.TypeChunk,
			ChunkIndex:  index,
			ChunkData:   protocol.EncodeChunkData(data),
			ChunkCRC32C: &digest,
		})
		if err != nil {
			return fmt.Errorf("send chunk %d: %w", index, err)
		}
		meter.ChunkSent(size)
		printProgress(opts.Out, meter.Snapshot())
	}

	// Wait for the server to confirm assembly.
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("%w: %v", ErrUploadFailed, err)
		case msg := <-msgCh:
			switch msg.Type {
			case protocol.TypeProgress:
				// Server-side progress is advisory; the meter already
				// tracks what this client sent.
			case protocol.TypeUploadComplete:
				var done protocol.UploadComplete
				if err := msg.DecodeData(&done); err != nil {
					return fmt.Errorf("decode completion: %w", err)
				}
				fmt.Fprintf(opts.Out, "\nupload complete video_id=%s filename=%s size=%d\n",
					done.VideoID, done.Filename, done.Size)
				return nil
			case protocol.TypeUploadCancelled:
				return errors.New("upload cancelled")
			case protocol.TypeError:
				opts.Logger.Warn("server error", "message", msg.Message)
			}
		}
	}
}

// waitSessionInfo blocks until the server's bind handshake arrives.
func waitSessionInfo(ctx context.Context, msgCh <-chan protocol.InboundServerMessage, readErr <-chan error) (protocol.SessionInfo, error) {
	for {
		select {
		case <-ctx.Done():
			return protocol.SessionInfo{}, ctx.Err()
		case err := <-readErr:
			return protocol.SessionInfo{}, fmt.Errorf("channel closed before session_info: %w", err)
		case msg := <-msgCh:
			switch msg.Type {
			case protocol.TypeSessionInfo:
				var info protocol.SessionInfo
				if err := msg.DecodeData(&info); err != nil {
					return protocol.SessionInfo{}, fmt.Errorf("decode session_info: %w", err)
				}
				return info, nil
			case protocol.TypeError:
				return protocol.SessionInfo{}, fmt.Errorf("server rejected session: %s", msg.Message)
			}
		}
	}
}

// heldChunks decodes the server's arrival bitmap; nil means the server
// holds nothing yet.
func heldChunks(info protocol.SessionInfo) (*staging.Bitmap, error) {
	if info.ReceivedBitmap == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(info.ReceivedBitmap)
	if err != nil {
		return nil, fmt.Errorf("decode received_bitmap: %w", err)
	}
	bm, err := staging.BitmapFromBytes(raw, int(info.TotalChunks))
	if err != nil {
		return nil, fmt.Errorf("received_bitmap: %w", err)
	}
	return bm, nil
}

func chunkLen(info protocol.SessionInfo, index uint32) int {
	if index == info.TotalChunks-1 {
		return int(info.FileSize - int64(index)*int64(info.ChunkSize))
	}
	return int(info.ChunkSize)
}

func printProgress(out io.Writer, stats progress.Stats) {
	fmt.Fprintf(out, "\r%6.2f%%  %d/%d chunks  %s/s  eta %s ",
		stats.Percent, stats.ChunksSent, stats.TotalChunks,
		formatBytes(int64(stats.RateBps)), formatETA(stats.ETA))
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fGiB", float64(n)/float64(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMiB", float64(n)/float64(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKiB", float64(n)/float64(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	return d.Round(time.Second).String()
}
