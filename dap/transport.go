// Package dap carries DAP protocol messages over a byte stream using the
// standard Content-Length framing.
package dap

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/go-dap"
)

// ErrTransportClosed reports use of a transport after Close.
var ErrTransportClosed = errors.New("transport is closed")

// IsClosed reports whether err wraps ErrTransportClosed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrTransportClosed)
}

// Transport reads and writes framed DAP messages. WriteMessage is safe
// for concurrent use; ReadMessage is not and belongs to a single reader
// goroutine.
type Transport interface {
	ReadMessage() (dap.Message, error)
	WriteMessage(msg dap.Message) error
	Close() error
}

type streamTransport struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// NewStream wraps a reader/writer pair. closer may be nil when the
// underlying streams outlive the transport (stdio).
func NewStream(r io.Reader, w io.Writer, closer io.Closer) Transport {
	return &streamTransport{
		reader: bufio.NewReader(r),
		writer: w,
		closer: closer,
	}
}

// NewStdio builds a transport over the process's stdin/stdout. Close
// closes stdin, unblocking the reader.
func NewStdio() Transport {
	return NewStream(os.Stdin, os.Stdout, os.Stdin)
}

// NewConn builds a transport over an accepted network connection.
func NewConn(conn net.Conn) Transport {
	return NewStream(conn, conn, conn)
}

func (t *streamTransport) ReadMessage() (dap.Message, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}
	msg, err := dap.ReadProtocolMessage(t.reader)
	if err != nil {
		if t.isClosed() {
			return nil, ErrTransportClosed
		}
		return nil, fmt.Errorf("failed to read DAP message: %w", err)
	}
	return msg, nil
}

func (t *streamTransport) WriteMessage(msg dap.Message) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := dap.WriteProtocolMessage(t.writer, msg); err != nil {
		return fmt.Errorf("failed to write DAP message: %w", err)
	}
	return nil
}

func (t *streamTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

func (t *streamTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
