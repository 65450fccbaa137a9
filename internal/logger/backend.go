package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/jrick/logrotate/rotator"
	"github.com/pkg/errors"
)

const logsChanBuffer = 100

type logEntry struct {
	level Level
	log   []byte
}

type logWriter interface {
	io.WriteCloser
	LogLevel() Level
}

type logWriterWrap struct {
	io.WriteCloser
	logLevel Level
}

func (lw logWriterWrap) LogLevel() Level {
	return lw.logLevel
}

// Backend is a logging backend. Subsystems created from the backend
// write to the backend's writers with atomic interleaving.
type Backend struct {
	isRunning uint32
	writers   []logWriter
	writeChan chan logEntry
	syncClose sync.Mutex
}

// NewBackend creates a new logger backend with no writers attached.
// Use AddLogWriter/AddLogFile to attach output before calling Run.
func NewBackend() *Backend {
	return &Backend{writeChan: make(chan logEntry, logsChanBuffer)}
}

const (
	defaultThresholdKB = 100 * 1000 // 100 MB logs by default.
	defaultMaxRolls    = 8
)

// AddLogWriter adds a writer which receives every log line at or
// above logLevel.
func (b *Backend) AddLogWriter(w io.WriteCloser, logLevel Level) error {
	if b.IsRunning() {
		return errors.New("the logger is already running")
	}
	b.writers = append(b.writers, logWriterWrap{WriteCloser: w, logLevel: logLevel})
	return nil
}

// AddLogFile adds a rotated log file as a writer for logLevel.
func (b *Backend) AddLogFile(logFile string, logLevel Level) error {
	if b.IsRunning() {
		return errors.New("the logger is already running")
	}
	logDir, _ := filepath.Split(logFile)
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0700); err != nil {
			return errors.Wrapf(err, "failed to create log directory")
		}
	}
	r, err := rotator.New(logFile, defaultThresholdKB, false, defaultMaxRolls)
	if err != nil {
		return errors.Wrapf(err, "failed to create file rotator")
	}
	b.writers = append(b.writers, logWriterWrap{WriteCloser: r, logLevel: logLevel})
	return nil
}

// Run launches the backend's writer goroutine. Must be called once.
func (b *Backend) Run() error {
	if !atomic.CompareAndSwapUint32(&b.isRunning, 0, 1) {
		return errors.New("the logger is already running")
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(os.Stderr, "fatal error in logger backend: %+v\n", r)
				fmt.Fprintf(os.Stderr, "%s\n", debug.Stack())
			}
		}()
		b.runBlocking()
	}()
	return nil
}

func (b *Backend) runBlocking() {
	defer atomic.StoreUint32(&b.isRunning, 0)
	b.syncClose.Lock()
	defer b.syncClose.Unlock()

	for entry := range b.writeChan {
		for _, w := range b.writers {
			if entry.level >= w.LogLevel() {
				_, _ = w.Write(entry.log)
			}
		}
	}
}

// IsRunning reports whether Run has been called and Close has not.
func (b *Backend) IsRunning() bool {
	return atomic.LoadUint32(&b.isRunning) != 0
}

// Close drains pending log lines and closes every writer.
func (b *Backend) Close() {
	close(b.writeChan)
	b.syncClose.Lock()
	defer b.syncClose.Unlock()
	for _, w := range b.writers {
		_ = w.Close()
	}
}

// Logger returns a tagged logger that writes to this backend. The
// logger's own minimum level defaults to LevelInfo.
func (b *Backend) Logger(subsystemTag string) *Logger {
	l := &Logger{level: uint32(LevelInfo), tag: subsystemTag}
	l.writeChan.Store((chan<- logEntry)(b.writeChan))
	return l
}
