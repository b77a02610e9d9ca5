package gdb

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhd2015/gdb-dap/mi"
)

type fakeConn struct {
	lines     chan string
	done      chan struct{}
	submitted chan string
	exitCode  int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		lines:     make(chan string, 16),
		done:      make(chan struct{}),
		submitted: make(chan string, 16),
		exitCode:  -1,
	}
}

func (f *fakeConn) Submit(line string) error {
	f.submitted <- line
	return nil
}

func (f *fakeConn) Lines() <-chan string  { return f.lines }
func (f *fakeConn) Done() <-chan struct{} { return f.done }
func (f *fakeConn) ExitCode() int         { return f.exitCode }
func (f *fakeConn) Stop()                 {}

func recvRecord(t *testing.T, ch <-chan mi.Record) (mi.Record, bool) {
	t.Helper()
	select {
	case rec, ok := <-ch:
		return rec, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for record")
		return mi.Record{}, false
	}
}

func TestClientSendTokensIncrease(t *testing.T) {
	conn := newFakeConn()
	c := NewClient(conn, logr.Discard())
	defer close(conn.lines)

	_, err := c.Send("gdb-set", "confirm", "off")
	require.NoError(t, err)
	_, err = c.Send("break-insert", "main.c:10")
	require.NoError(t, err)

	assert.Equal(t, "0-gdb-set confirm off", <-conn.submitted)
	assert.Equal(t, "1-break-insert main.c:10", <-conn.submitted)
}

func TestClientResolvesResultByToken(t *testing.T) {
	conn := newFakeConn()
	c := NewClient(conn, logr.Discard())
	defer close(conn.lines)

	first, err := c.Send("exec-next")
	require.NoError(t, err)
	second, err := c.Send("thread-info")
	require.NoError(t, err)

	// Resolve out of submission order.
	conn.lines <- `1^done,threads=[]`
	conn.lines <- `0^running`

	rec, ok := recvRecord(t, second)
	require.True(t, ok)
	assert.Equal(t, "done", rec.Class)

	rec, ok = recvRecord(t, first)
	require.True(t, ok)
	assert.Equal(t, "running", rec.Class)
}

func TestClientAsyncRecordsBecomeNotifications(t *testing.T) {
	conn := newFakeConn()
	c := NewClient(conn, logr.Discard())
	defer close(conn.lines)

	conn.lines <- `*stopped,reason="breakpoint-hit",thread-id="1"`
	conn.lines <- `~"console output\n"`
	conn.lines <- `=thread-created,id="2"`

	rec, _ := recvRecord(t, c.Notifications())
	assert.Equal(t, mi.KindExecAsync, rec.Kind)
	assert.Equal(t, "stopped", rec.Class)

	rec, _ = recvRecord(t, c.Notifications())
	assert.Equal(t, mi.KindConsoleStream, rec.Kind)

	rec, _ = recvRecord(t, c.Notifications())
	assert.Equal(t, mi.KindNotifyAsync, rec.Kind)
	assert.Equal(t, "thread-created", rec.Class)
}

func TestClientDropsUnmatchedAndMalformed(t *testing.T) {
	conn := newFakeConn()
	c := NewClient(conn, logr.Discard())

	conn.lines <- `99^done`
	conn.lines <- `^done`
	conn.lines <- `*stopped,reason="bad`
	conn.lines <- `=still-alive`
	close(conn.lines)

	// Only the well-formed notify record survives.
	rec, ok := recvRecord(t, c.Notifications())
	require.True(t, ok)
	assert.Equal(t, "still-alive", rec.Class)

	_, ok = recvRecord(t, c.Notifications())
	assert.False(t, ok, "notifications should be closed")
}

func TestClientAbandonClosesPendingAndRejectsSend(t *testing.T) {
	conn := newFakeConn()
	c := NewClient(conn, logr.Discard())

	fut, err := c.Send("exec-continue")
	require.NoError(t, err)

	close(conn.lines) // process output ends, read loop abandons

	_, ok := recvRecord(t, fut)
	assert.False(t, ok, "pending future should be closed without a value")

	// Wait for the read loop to finish abandoning.
	_, _ = recvRecord(t, c.Notifications())

	_, err = c.Send("exec-next")
	require.Error(t, err)
	assert.True(t, IsProcessTerminated(err))
}
