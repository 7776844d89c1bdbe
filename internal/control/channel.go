package control

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"dualsens/internal/logging"
)

// maxLine bounds one inbound line.
const maxLine = 64 * 1024

// ReadLines decodes r and sends each non-empty line on the returned channel.
// The channel is closed at EOF, on a read error, or when ctx is done. The
// reader goroutine may stay blocked in r until r is closed.
func ReadLines(ctx context.Context, r io.Reader, log *logging.Logger) <-chan string {
	if log == nil {
		log = logging.Discard()
	}
	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		dec, enc := NewDecoder(r)
		if enc != UTF8 {
			log.Debug("control input decoded", "encoding", enc.String())
		}
		sc := bufio.NewScanner(dec)
		sc.Buffer(make([]byte, 0, 4096), maxLine)
		for sc.Scan() {
			line := Clean(sc.Text())
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			log.Warn("control input", "error", err)
		}
	}()
	return lines
}

// Drainer yields queued outbound lines.
type Drainer interface {
	Drain(dst []string) []string
}

// Writer writes outbound lines in batches.
type Writer struct {
	w   *bufio.Writer
	buf []string
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Flush writes every queued line and flushes once. It returns the number of
// lines written.
func (w *Writer) Flush(d Drainer) (int, error) {
	w.buf = d.Drain(w.buf[:0])
	if len(w.buf) == 0 {
		return 0, nil
	}
	for i, line := range w.buf {
		if _, err := w.w.WriteString(line); err != nil {
			return i, fmt.Errorf("write control line: %w", err)
		}
		if err := w.w.WriteByte('\n'); err != nil {
			return i, fmt.Errorf("write control line: %w", err)
		}
	}
	if err := w.w.Flush(); err != nil {
		return len(w.buf), fmt.Errorf("flush control output: %w", err)
	}
	return len(w.buf), nil
}
