package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Logger writes leveled, tagged log lines to a Backend's writers.
// writeChan is an atomic.Value rather than a plain field so SetBackend
// can rewire every already-issued Logger onto a new Backend's channel,
// not just loggers constructed afterward.
type Logger struct {
	level     uint32
	tag       string
	writeChan atomic.Value // chan<- logEntry
}

// SetLevel sets the minimum level this logger will emit.
func (l *Logger) SetLevel(level Level) {
	atomic.StoreUint32(&l.level, uint32(level))
}

// Level returns the logger's current minimum level.
func (l *Logger) Level() Level {
	return Level(atomic.LoadUint32(&l.level))
}

func (l *Logger) write(level Level, s string) {
	if level < l.Level() {
		return
	}
	line := fmt.Sprintf("%s [%s] %s %s\n", time.Now().UTC().Format(time.RFC3339Nano), level, l.tag, s)
	ch, _ := l.writeChan.Load().(chan<- logEntry)
	if ch == nil {
		fmt.Fprint(os.Stderr, line)
		return
	}
	select {
	case ch <- logEntry{level: level, log: []byte(line)}:
	default:
		// Backend is saturated; write straight to stderr rather than
		// block the caller.
		fmt.Fprint(os.Stderr, line)
	}
}

func (l *Logger) Tracef(format string, args ...interface{})    { l.write(LevelTrace, fmt.Sprintf(format, args...)) }
func (l *Logger) Debugf(format string, args ...interface{})    { l.write(LevelDebug, fmt.Sprintf(format, args...)) }
func (l *Logger) Infof(format string, args ...interface{})     { l.write(LevelInfo, fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...interface{})     { l.write(LevelWarn, fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...interface{})    { l.write(LevelError, fmt.Sprintf(format, args...)) }
func (l *Logger) Criticalf(format string, args ...interface{}) { l.write(LevelCritical, fmt.Sprintf(format, args...)) }

// defaultBackend backs every subsystem logger obtained through Get
// until the supervisor installs its own writers via SetBackend.
var defaultBackend = NewBackend()

// knownLoggers collects every *Logger ever handed out by Get, so that
// a single SetLogLevels call can retroactively change the level of
// subsystem loggers that were already constructed as package-level
// vars before main() parsed --log-level — the same registration the
// teacher's kasparov/logger package keeps for the same reason.
var (
	knownLoggersMu sync.Mutex
	knownLoggers   []*Logger
)

func init() {
	_ = defaultBackend.AddLogWriter(stderrWriteCloser{}, LevelTrace)
	_ = defaultBackend.Run()
}

type stderrWriteCloser struct{}

func (stderrWriteCloser) Write(p []byte) (int, error) { return os.Stderr.Write(p) }
func (stderrWriteCloser) Close() error                { return nil }

// Stderr returns a WriteCloser over the process's stderr fd whose
// Close is a no-op, so callers building their own Backend (e.g. to
// add a rotated log file alongside stderr) can reuse the same
// never-really-closes wrapper the package's own default backend uses.
func Stderr() io.WriteCloser {
	return stderrWriteCloser{}
}

// SetBackend replaces the process-wide default backend and rewires
// every logger already obtained through Get onto its writeChan, the
// same retroactive-registration trick knownLoggers already exists for
// SetLogLevels — needed because every subsystem package does
// `var log = logger.Get("TAG")` at package-init time, before a
// supervisor gets a chance to build a file-backed backend from parsed
// flags. Callers that want file-backed, rotated logs call this once
// during startup, after building and Run-ing the new Backend.
func SetBackend(b *Backend) {
	knownLoggersMu.Lock()
	defer knownLoggersMu.Unlock()
	defaultBackend = b
	for _, l := range knownLoggers {
		l.writeChan.Store((chan<- logEntry)(b.writeChan))
	}
}

// Get returns a tagged subsystem logger backed by the current default
// backend. Subsystem tags are short, all-caps mnemonics matching the
// teacher's convention (e.g. "BSTORE", "BTREE", "INGEST").
func Get(subsystemTag string) *Logger {
	knownLoggersMu.Lock()
	defer knownLoggersMu.Unlock()
	l := defaultBackend.Logger(subsystemTag)
	knownLoggers = append(knownLoggers, l)
	return l
}

// SetLogLevels parses level and applies it to every logger obtained
// through Get so far, matching --log-level against every subsystem
// tag at once.
func SetLogLevels(level string) error {
	lvl, ok := LevelFromString(level)
	if !ok {
		return errors.Errorf("invalid log level %q", level)
	}
	knownLoggersMu.Lock()
	defer knownLoggersMu.Unlock()
	for _, l := range knownLoggers {
		l.SetLevel(lvl)
	}
	return nil
}
