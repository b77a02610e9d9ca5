package gdb

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/xhd2015/gdb-dap/mi"
)

// Conn is the subprocess surface the correlator needs. *Process
// implements it; tests substitute an in-memory fake.
type Conn interface {
	Submit(line string) error
	Lines() <-chan string
	Done() <-chan struct{}
	ExitCode() int
	Stop()
}

// Client correlates token-prefixed MI commands with their result records
// and fans everything else out as notifications. One reader goroutine
// decodes the process output; result records resolve the pending entry
// registered by Send, all other records (async classes, stream output,
// noise lines) are delivered on Notifications in arrival order.
type Client struct {
	conn Conn
	log  logr.Logger

	notifs chan mi.Record

	mu        sync.Mutex
	nextToken int
	pending   map[int]chan mi.Record
	abandoned bool
}

// NewClient wraps conn and starts the decode loop.
func NewClient(conn Conn, log logr.Logger) *Client {
	c := &Client{
		conn:    conn,
		log:     log,
		notifs:  make(chan mi.Record, 128),
		pending: make(map[int]chan mi.Record),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for line := range c.conn.Lines() {
		rec, err := mi.DecodeLine(line)
		if err != nil {
			c.log.Error(err, "dropping malformed MI line")
			continue
		}
		c.dispatch(rec)
	}
	c.Abandon()
	close(c.notifs)
}

func (c *Client) dispatch(rec mi.Record) {
	if rec.Kind == mi.KindResult {
		if rec.Token < 0 {
			c.log.V(1).Info("dropping tokenless result record", "class", rec.Class)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[rec.Token]
		delete(c.pending, rec.Token)
		c.mu.Unlock()
		if !ok {
			c.log.V(1).Info("dropping result with no pending command", "token", rec.Token, "class", rec.Class)
			return
		}
		ch <- rec
		close(ch)
		return
	}
	c.notifs <- rec
}

// Send submits a token-prefixed command and returns a channel that
// yields the matching result record. The channel is closed without a
// value when the client is abandoned before the result arrives.
func (c *Client) Send(command string, args ...string) (<-chan mi.Record, error) {
	c.mu.Lock()
	if c.abandoned {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot send -%s", ErrProcessTerminated, command)
	}
	token := c.nextToken
	c.nextToken++
	ch := make(chan mi.Record, 1)
	c.pending[token] = ch
	c.mu.Unlock()

	line := mi.EncodeCommand(token, command, args...)
	c.log.V(2).Info("MI command", "line", line)
	if err := c.conn.Submit(line); err != nil {
		c.mu.Lock()
		delete(c.pending, token)
		c.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

// Notifications returns the stream of non-result records. It is closed
// after the process output ends.
func (c *Client) Notifications() <-chan mi.Record {
	return c.notifs
}

// Done closes once the underlying process has exited.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

// ExitCode reports the process exit code, -1 while running.
func (c *Client) ExitCode() int {
	return c.conn.ExitCode()
}

// Stop shuts the underlying process down.
func (c *Client) Stop() {
	c.conn.Stop()
}

// Abandon closes every pending result channel and rejects future Sends.
// Called automatically when the process output ends; callers may also
// invoke it during teardown.
func (c *Client) Abandon() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abandoned {
		return
	}
	c.abandoned = true
	for token, ch := range c.pending {
		close(ch)
		delete(c.pending, token)
	}
}
