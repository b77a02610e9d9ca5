// Package session drives one DAP client connection against one GDB
// subprocess. A single goroutine owns all session state; the DAP
// transport and the GDB output each feed it through a channel, so at
// most one MI command is ever in flight while asynchronous GDB
// notifications are still applied immediately.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/google/uuid"

	transport "github.com/xhd2015/gdb-dap/dap"
	"github.com/xhd2015/gdb-dap/gdb"
	"github.com/xhd2015/gdb-dap/mi"
)

// State is the session lifecycle state. Terminated is absorbing.
type State int

const (
	StateUnstarted State = iota
	StateLaunching
	StateStopped
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateLaunching:
		return "launching"
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Variable reference layout: each frame's locals scope gets a fixed
// reference derived from the frame id; references for lazily expanded
// compound values are allocated from the dynamic range.
const (
	localsRefBase    = 100000
	registersRefBase = 200000
	dynamicRefBase   = 300000
)

// Backend is the command and notification surface of a launched GDB
// instance. *gdb.Client implements it.
type Backend interface {
	Send(command string, args ...string) (<-chan mi.Record, error)
	Notifications() <-chan mi.Record
	Done() <-chan struct{}
	ExitCode() int
	Stop()
}

// LaunchFunc starts the debugger backend on demand, when the client
// sends its launch request.
type LaunchFunc func(ctx context.Context) (Backend, error)

// Config carries the collaborators of a Session.
type Config struct {
	Transport transport.Transport
	Launch    LaunchFunc
	Logger    logr.Logger
}

// breakpoint is the session's record of one GDB breakpoint.
type breakpoint struct {
	id       int // GDB breakpoint number, 0 when the insert failed
	line     int // line reported by GDB, which may differ from the request
	verified bool
	message  string
}

// Session is the per-connection state machine.
type Session struct {
	id     string
	log    logr.Logger
	conn   transport.Transport
	launch LaunchFunc

	gdb          Backend
	launched     bool
	attached     bool
	notifsClosed bool
	procExited   bool

	state          State
	seq            int
	requests       chan dap.RequestMessage
	terminatedSent bool

	breakpoints     map[string]map[int]*breakpoint // source path -> requested line
	funcBreakpoints map[string]*breakpoint         // function name

	threads       []dap.Thread
	threadsValid  bool
	frames        map[int][]dap.StackFrame // thread id -> frames
	varRefs       map[int]string           // variables reference -> GDB varobj name
	nextVarRef    int
	stoppedThread int
}

// New builds a Session over an accepted transport.
func New(cfg Config) *Session {
	id := uuid.NewString()
	return &Session{
		id:              id,
		log:             cfg.Logger.WithValues("session", id),
		conn:            cfg.Transport,
		launch:          cfg.Launch,
		state:           StateUnstarted,
		requests:        make(chan dap.RequestMessage, 32),
		breakpoints:     make(map[string]map[int]*breakpoint),
		funcBreakpoints: make(map[string]*breakpoint),
		frames:          make(map[int][]dap.StackFrame),
		varRefs:         make(map[int]string),
		nextVarRef:      dynamicRefBase,
	}
}

// errDisconnect signals a clean client-requested shutdown of the run loop.
var errDisconnect = errors.New("client requested disconnect")

// Run serves the session until the client disconnects, the context is
// cancelled, or the launch fails fatally.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.teardown()

	go s.readRequests(ctx)
	s.log.Info("session started")

	for {
		notifs, gdbDone := s.backendChans()
		select {
		case req, ok := <-s.requests:
			if !ok {
				s.log.Info("client transport closed")
				return nil
			}
			if err := s.handleRequest(ctx, req); err != nil {
				if errors.Is(err, errDisconnect) {
					s.log.Info("client disconnected")
					return nil
				}
				return err
			}
		case rec, ok := <-notifs:
			if !ok {
				s.notifsClosed = true
				continue
			}
			s.handleNotification(rec)
		case <-gdbDone:
			s.handleProcessExit()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// backendChans returns the live backend channels, nil once drained so
// the run loop stops selecting on them.
func (s *Session) backendChans() (<-chan mi.Record, <-chan struct{}) {
	if s.gdb == nil {
		return nil, nil
	}
	var notifs <-chan mi.Record
	if !s.notifsClosed {
		notifs = s.gdb.Notifications()
	}
	var done <-chan struct{}
	if !s.procExited {
		done = s.gdb.Done()
	}
	return notifs, done
}

func (s *Session) readRequests(ctx context.Context) {
	defer close(s.requests)
	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			if !transport.IsClosed(err) {
				s.log.V(1).Info("transport read ended", "error", err.Error())
			}
			return
		}
		req, ok := msg.(dap.RequestMessage)
		if !ok {
			s.log.V(1).Info("ignoring non-request message", "seq", msg.GetSeq())
			continue
		}
		select {
		case s.requests <- req:
		case <-ctx.Done():
			return
		}
	}
}

// command submits one MI command and waits for its result, applying any
// asynchronous notifications that arrive in the meantime. An "error"
// result class becomes a Go error carrying GDB's message.
func (s *Session) command(ctx context.Context, cmd string, args ...string) (mi.Record, error) {
	if s.gdb == nil || s.procExited {
		return mi.Record{}, gdb.ErrProcessTerminated
	}
	fut, err := s.gdb.Send(cmd, args...)
	if err != nil {
		return mi.Record{}, err
	}
	rec, err := s.await(ctx, fut)
	if err != nil {
		return mi.Record{}, err
	}
	if rec.Class == "error" {
		msg := rec.Str("msg")
		if msg == "" {
			msg = "command failed"
		}
		return rec, fmt.Errorf("gdb: -%s: %s", cmd, msg)
	}
	return rec, nil
}

func (s *Session) await(ctx context.Context, fut <-chan mi.Record) (mi.Record, error) {
	for {
		notifs, gdbDone := s.backendChans()
		select {
		case rec, ok := <-fut:
			if !ok {
				return mi.Record{}, fmt.Errorf("%w: command abandoned", gdb.ErrProcessTerminated)
			}
			return rec, nil
		case rec, ok := <-notifs:
			if !ok {
				s.notifsClosed = true
				continue
			}
			s.handleNotification(rec)
		case <-gdbDone:
			s.handleProcessExit()
		case <-ctx.Done():
			return mi.Record{}, ctx.Err()
		}
	}
}

// ensureBackend starts GDB on first use. Conforming clients configure
// breakpoints between the initialized event and launch, so the request
// that needs GDB first is the one that starts it.
func (s *Session) ensureBackend(ctx context.Context) error {
	if s.gdb != nil {
		return nil
	}
	s.state = StateLaunching
	backend, err := s.launch(ctx)
	if err != nil {
		return err
	}
	s.gdb = backend

	bootstrap := [][]string{
		{"gdb-set", "mi-async", "on"},
		{"gdb-set", "confirm", "off"},
		{"gdb-set", "pagination", "off"},
		{"enable-pretty-printing"},
	}
	for _, cmd := range bootstrap {
		if _, err := s.command(ctx, cmd[0], cmd[1:]...); err != nil {
			s.log.V(1).Info("bootstrap command failed", "command", cmd[0], "error", err.Error())
		}
	}
	s.state = StateStopped
	return nil
}

// launchFailed reports a failed GDB start to the client and ends the
// session: a backend that could not come up is fatal.
func (s *Session) launchFailed(req *dap.Request, err error) error {
	s.respondError(req, err)
	s.terminate(1)
	return fmt.Errorf("launch failed: %w", err)
}

// invalidate drops every cache derived from a stopped target.
func (s *Session) invalidate() {
	s.threads = nil
	s.threadsValid = false
	s.frames = make(map[int][]dap.StackFrame)
	s.releaseVarObjects()
	s.nextVarRef = dynamicRefBase
}

// releaseVarObjects tells GDB to drop the varobjs backing the previous
// stop's variable references. Only root varobjs are deleted (children
// go with their root), and the deletes are not awaited: their results
// carry nothing the session needs.
func (s *Session) releaseVarObjects() {
	refs := s.varRefs
	s.varRefs = make(map[int]string)
	if len(refs) == 0 || s.gdb == nil || s.procExited || s.state == StateTerminated {
		return
	}
	deleted := make(map[string]bool, len(refs))
	for _, name := range refs {
		if strings.Contains(name, ".") || deleted[name] {
			continue
		}
		deleted[name] = true
		if _, err := s.gdb.Send("var-delete", name); err != nil {
			s.log.V(1).Info("var-delete failed", "varobj", name, "error", err.Error())
		}
	}
}

func (s *Session) newVarRef(gdbName string) int {
	ref := s.nextVarRef
	s.nextVarRef++
	s.varRefs[ref] = gdbName
	return ref
}

func (s *Session) handleProcessExit() {
	if s.procExited {
		return
	}
	s.procExited = true
	code := 0
	if s.gdb != nil {
		if c := s.gdb.ExitCode(); c >= 0 {
			code = c
		}
	}
	s.log.Info("gdb process exited", "code", code)
	s.terminate(code)
}

// terminate moves the session to its terminal state, emitting exactly
// one exited + terminated event pair no matter how often it is reached.
func (s *Session) terminate(exitCode int) {
	s.state = StateTerminated
	s.invalidate()
	if s.terminatedSent {
		return
	}
	s.terminatedSent = true
	s.write(&dap.ExitedEvent{
		Event: s.newEvent("exited"),
		Body:  dap.ExitedEventBody{ExitCode: exitCode},
	})
	s.write(&dap.TerminatedEvent{Event: s.newEvent("terminated")})
}

func (s *Session) teardown() {
	if s.gdb != nil {
		s.gdb.Stop()
	}
	if err := s.conn.Close(); err != nil {
		s.log.V(1).Info("transport close failed", "error", err.Error())
	}
	s.log.Info("session closed")
}

func (s *Session) nextSeq() int {
	s.seq++
	return s.seq
}

func (s *Session) newEvent(event string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Seq: s.nextSeq(), Type: "event"},
		Event:           event,
	}
}

func (s *Session) newResponse(req *dap.Request) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: s.nextSeq(), Type: "response"},
		Command:         req.Command,
		RequestSeq:      req.Seq,
		Success:         true,
	}
}

func (s *Session) write(msg dap.Message) {
	if err := s.conn.WriteMessage(msg); err != nil && !transport.IsClosed(err) {
		s.log.Error(err, "failed to write DAP message")
	}
}

func (s *Session) respondError(req *dap.Request, err error) {
	s.log.V(1).Info("request failed", "command", req.Command, "error", err.Error())
	resp := s.newResponse(req)
	resp.Success = false
	resp.Message = err.Error()
	s.write(&dap.ErrorResponse{
		Response: resp,
		Body: dap.ErrorResponseBody{
			Error: &dap.ErrorMessage{Format: err.Error(), ShowUser: true},
		},
	})
}

// requireStopped gates requests that read or mutate target state.
func (s *Session) requireStopped() error {
	switch s.state {
	case StateTerminated:
		return ErrSessionTerminated
	case StateRunning, StateLaunching:
		return fmt.Errorf("%w: target is running", ErrSessionBusy)
	case StateUnstarted:
		return fmt.Errorf("%w: no target launched", ErrSessionBusy)
	}
	return nil
}
