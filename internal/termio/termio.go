// Package termio serializes terminal output per stream so progress
// lines and log output from concurrent code never interleave mid-write.
package termio

import (
	"io"
	"os"
	"sync"
)

type lockedWriter struct {
	file *os.File
	mu   sync.Mutex
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Write(p)
}

var (
	initOnce sync.Once
	stdout   *lockedWriter
	stderr   *lockedWriter
)

func setup() {
	initOnce.Do(func() {
		stdout = &lockedWriter{file: os.Stdout}
		stderr = &lockedWriter{file: os.Stderr}
	})
}

// Stdout returns a write-serialized stdout.
func Stdout() io.Writer {
	setup()
	return stdout
}

// Stderr returns a write-serialized stderr.
func Stderr() io.Writer {
	setup()
	return stderr
}
