package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/framepipe/framepipe/internal/staging"
	"github.com/framepipe/framepipe/pkg/protocol"
)

// fakeServer implements just enough of the upload surface to exercise
// the client: session creation plus a websocket that assembles chunks.
type fakeServer struct {
	t           *testing.T
	fileSize    int64
	chunkSize   uint32
	totalChunks uint32
	preHeld     []uint32 // chunk indexes reported as already arrived

	mu       sync.Mutex
	received map[uint32][]byte
}

func (f *fakeServer) handler() http.Handler {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload/session", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(protocol.CreateSessionResponse{
			SessionToken: "test-token",
			ChunkSize:    f.chunkSize,
			TotalChunks:  f.totalChunks,
			ExpiresAt:    time.Now().Add(time.Hour),
		})
	})
	mux.HandleFunc("GET /ws/upload/{token}", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			f.t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		bm := staging.NewBitmap(int(f.totalChunks))
		for _, i := range f.preHeld {
			bm.Set(int(i))
		}
		info := protocol.NewSessionInfo(protocol.SessionInfo{
			SessionID:      r.PathValue("token"),
			Filename:       "clip.mp4",
			FileSize:       f.fileSize,
			ChunkSize:      f.chunkSize,
			TotalChunks:    f.totalChunks,
			ReceivedChunks: uint32(bm.CountSet()),
			ReceivedBitmap: protocol.EncodeChunkData(bm.Marshal()),
		})
		if err := conn.WriteJSON(info); err != nil {
			f.t.Errorf("write session_info: %v", err)
			return
		}

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.DecodeClientMessage(raw)
			if err != nil || msg.Type != protocol.TypeChunk {
				continue
			}
			data := make([]byte, msg.DecodedChunkLen())
			n, err := msg.DecodeChunkData(data)
			if err != nil {
				f.t.Errorf("decode chunk: %v", err)
				continue
			}
			if msg.ChunkCRC32C == nil || *msg.ChunkCRC32C != staging.ChecksumChunk(data[:n]) {
				f.t.Errorf("chunk %d: missing or wrong digest", msg.ChunkIndex)
			}
			f.mu.Lock()
			f.received[msg.ChunkIndex] = append([]byte(nil), data[:n]...)
			bm.Set(int(msg.ChunkIndex))
			count := uint32(bm.CountSet())
			complete := bm.AllSet()
			f.mu.Unlock()

			conn.WriteJSON(protocol.NewProgress(protocol.Progress{
				Progress:       float64(count) / float64(f.totalChunks),
				ChunkIndex:     msg.ChunkIndex,
				ReceivedChunks: count,
				TotalChunks:    f.totalChunks,
			}))
			if complete {
				conn.WriteJSON(protocol.NewUploadComplete(protocol.UploadComplete{
					VideoID:  "11111111-2222-3333-4444-555555555555",
					Filename: "clip.mp4",
					Size:     f.fileSize,
				}))
			}
		}
	})
	return mux
}

func writeTestFile(t *testing.T, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write test file: %v", err)
	}
	return path
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_FullUpload(t *testing.T) {
	fake := &fakeServer{
		t:           t,
		fileSize:    100,
		chunkSize:   10,
		totalChunks: 10,
		received:    make(map[uint32][]byte),
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	path := writeTestFile(t, 100)
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := Run(ctx, Options{
		ServerURL: srv.URL,
		AuthToken: "tok",
		ChunkSize: 10,
		Logger:    quietLogger(),
		Out:       &out,
	}, path, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.received) != 10 {
		t.Fatalf("expected 10 chunks at the server, got %d", len(fake.received))
	}
	want, _ := os.ReadFile(path)
	var got []byte
	for i := uint32(0); i < 10; i++ {
		got = append(got, fake.received[i]...)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("server received different bytes than the file")
	}
	if !bytes.Contains(out.Bytes(), []byte("upload complete")) {
		t.Fatalf("expected completion output, got %q", out.String())
	}
}

func TestRun_ResumeSendsOnlyMissingChunks(t *testing.T) {
	fake := &fakeServer{
		t:           t,
		fileSize:    100,
		chunkSize:   10,
		totalChunks: 10,
		preHeld:     []uint32{0, 1, 2, 3, 4, 5, 6},
		received:    make(map[uint32][]byte),
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	path := writeTestFile(t, 100)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := Run(ctx, Options{
		ServerURL: srv.URL,
		AuthToken: "tok",
		Logger:    quietLogger(),
	}, path, "test-token")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.received) != 3 {
		t.Fatalf("expected only 3 resent chunks, got %d", len(fake.received))
	}
	for _, i := range []uint32{7, 8, 9} {
		if _, ok := fake.received[i]; !ok {
			t.Errorf("missing chunk %d was not resent", i)
		}
	}
}

func TestRun_SizeMismatchRejected(t *testing.T) {
	fake := &fakeServer{
		t:           t,
		fileSize:    200, // session geometry disagrees with the local file
		chunkSize:   10,
		totalChunks: 20,
		received:    make(map[uint32][]byte),
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	path := writeTestFile(t, 100)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := Run(ctx, Options{ServerURL: srv.URL, Logger: quietLogger()}, path, "test-token")
	if err == nil {
		t.Fatal("expected a size mismatch error")
	}
}
