package logger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memWriter struct {
	ch chan []byte
}

func newMemWriter() *memWriter { return &memWriter{ch: make(chan []byte, 8)} }

func (w *memWriter) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)
	w.ch <- line
	return len(p), nil
}

func (w *memWriter) Close() error { return nil }

// TestSetBackendRewiresAlreadyIssuedLoggers reproduces the shape a
// package-level `var log = logger.Get("TAG")` always has: the Logger
// is obtained well before SetBackend installs a file-backed backend.
// SetBackend must retroactively rewire it, not just change where
// future Get calls attach.
func TestSetBackendRewiresAlreadyIssuedLoggers(t *testing.T) {
	l := Get("TESTTAG")

	w := newMemWriter()
	b := NewBackend()
	require.NoError(t, b.AddLogWriter(w, LevelTrace))
	require.NoError(t, b.Run())
	t.Cleanup(b.Close)

	SetBackend(b)

	l.Infof("hello from a pre-existing logger")

	select {
	case line := <-w.ch:
		require.Contains(t, string(line), "hello from a pre-existing logger")
	case <-time.After(time.Second):
		t.Fatal("SetBackend did not rewire the already-issued logger onto the new backend")
	}
}
