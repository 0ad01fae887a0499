package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

const stdioLogPrefix = "transport:stdio"

// maxLineBytes caps a single newline-delimited message.
const maxLineBytes = 1024 * 1024

type readResult struct {
	data []byte
	err  error
}

// Stdio frames messages as newline-delimited JSON over a reader/writer
// pair, one message per line. Reads run on a background goroutine so
// ReadMessage honors context cancellation even while the underlying
// reader blocks.
type Stdio struct {
	r io.Reader
	w io.Writer

	once  sync.Once
	lines chan readResult

	writeMu sync.Mutex
}

// NewStdio binds the process's standard input and output.
func NewStdio() *Stdio {
	return NewStdioPipe(os.Stdin, os.Stdout)
}

// NewStdioPipe frames messages over an arbitrary reader/writer pair.
func NewStdioPipe(r io.Reader, w io.Writer) *Stdio {
	return &Stdio{r: r, w: w, lines: make(chan readResult)}
}

// ReadMessage returns the next non-blank line, io.EOF when the input is
// exhausted, or the context's error if it expires first.
func (t *Stdio) ReadMessage(ctx context.Context) ([]byte, error) {
	t.once.Do(t.startReader)
	select {
	case r, ok := <-t.lines:
		if !ok {
			return nil, io.EOF
		}
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Stdio) startReader() {
	go func() {
		scanner := bufio.NewScanner(t.r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
				continue
			}
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			t.lines <- readResult{data: line}
		}
		if err := scanner.Err(); err != nil {
			t.lines <- readResult{err: fmt.Errorf("%s - read: %w", stdioLogPrefix, err)}
		}
		close(t.lines)
	}()
}

// WriteMessage writes one message followed by a newline. The mutex keeps
// concurrent responses and notifications on separate lines.
func (t *Stdio) WriteMessage(_ context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')
	if _, err := t.w.Write(line); err != nil {
		return fmt.Errorf("%s - write: %w", stdioLogPrefix, err)
	}
	return nil
}

// WriteNotification writes a server-initiated message. On stdio it is an
// ordinary line, interleaved with responses by the write mutex.
func (t *Stdio) WriteNotification(ctx context.Context, data []byte) error {
	return t.WriteMessage(ctx, data)
}

// Close is a no-op; the channel lives as long as the process's stdio.
func (t *Stdio) Close() error {
	return nil
}
