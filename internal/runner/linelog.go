package runner

import (
	"bytes"
	"sync"

	"go.uber.org/zap"
)

// lineLogger forwards a child process stream to the logger one line at a time.
type lineLogger struct {
	mu     sync.Mutex
	logger *zap.Logger
	stream string
	buf    bytes.Buffer
}

func newLineLogger(logger *zap.Logger, stream string) *lineLogger {
	return &lineLogger{logger: logger, stream: stream}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	for {
		i := bytes.IndexByte(l.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(l.buf.Next(i+1), "\r\n"))
		l.logger.Info(l.stream, zap.String("line", line))
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf.Len() > 0 {
		l.logger.Info(l.stream, zap.String("line", l.buf.String()))
		l.buf.Reset()
	}
}
