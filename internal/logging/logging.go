// Package logging configures jwalterweatherman for the daemon and keeps a
// bounded copy of recent output for the control API.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/armon/circbuf"
	jww "github.com/spf13/jwalterweatherman"
)

// Logger is the logging surface components accept.
type Logger interface {
	Printf(format string, args ...any)
}

type levelLogger struct {
	level jww.Threshold
}

// Printf resolves the jww logger on every call so threshold changes made
// after construction still apply.
func (l levelLogger) Printf(format string, args ...any) {
	switch l.level {
	case jww.LevelTrace:
		jww.TRACE.Printf(format, args...)
	case jww.LevelDebug:
		jww.DEBUG.Printf(format, args...)
	case jww.LevelWarn:
		jww.WARN.Printf(format, args...)
	case jww.LevelError:
		jww.ERROR.Printf(format, args...)
	default:
		jww.INFO.Printf(format, args...)
	}
}

func Default() Logger { return levelLogger{level: jww.LevelInfo} }

func Warn() Logger { return levelLogger{level: jww.LevelWarn} }

func Debug() Logger { return levelLogger{level: jww.LevelDebug} }

// OrDefault returns logger, or the default INFO logger when it is nil.
func OrDefault(logger Logger) Logger {
	if logger == nil {
		return Default()
	}
	return logger
}

func ParseLevel(level string) (jww.Threshold, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return jww.LevelTrace, nil
	case "debug":
		return jww.LevelDebug, nil
	case "", "info":
		return jww.LevelInfo, nil
	case "warn", "warning":
		return jww.LevelWarn, nil
	case "error":
		return jww.LevelError, nil
	case "critical":
		return jww.LevelCritical, nil
	case "fatal":
		return jww.LevelFatal, nil
	default:
		return jww.LevelInfo, fmt.Errorf("log level is not valid: %q", level)
	}
}

// LogBuffer is a jww log listener writing into a fixed-size circular buffer,
// overwriting the oldest output.
type LogBuffer struct {
	threshold jww.Threshold

	mu sync.Mutex
	b  *circbuf.Buffer
}

func NewLogBuffer(threshold jww.Threshold, maxSize int) (*LogBuffer, error) {
	b, err := circbuf.NewBuffer(int64(maxSize))
	if err != nil {
		return nil, err
	}
	return &LogBuffer{threshold: threshold, b: b}, nil
}

// Listen adheres to the [jwalterweatherman.LogListener] type.
func (lb *LogBuffer) Listen(t jww.Threshold) io.Writer {
	if t < lb.threshold {
		return nil
	}
	return lb
}

func (lb *LogBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.b.Write(p)
}

func (lb *LogBuffer) Bytes() []byte {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return append([]byte(nil), lb.b.Bytes()...)
}

func (lb *LogBuffer) MaxSize() int { return int(lb.b.Size()) }

func (lb *LogBuffer) TotalWritten() int64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.b.TotalWritten()
}

// Setup applies the log level and installs a LogBuffer of bufferBytes.
func Setup(level string, bufferBytes int) (*LogBuffer, error) {
	threshold, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if bufferBytes <= 0 {
		bufferBytes = 256 * 1024
	}
	buffer, err := NewLogBuffer(threshold, bufferBytes)
	if err != nil {
		return nil, err
	}
	jww.SetLogThreshold(threshold)
	jww.SetStdoutThreshold(threshold)
	jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	jww.SetLogListeners(buffer.Listen)
	return buffer, nil
}
