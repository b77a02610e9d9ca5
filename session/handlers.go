package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/google/go-dap"

	"github.com/xhd2015/gdb-dap/mi"
)

func (s *Session) handleRequest(ctx context.Context, msg dap.RequestMessage) error {
	s.log.V(1).Info("handling request", "command", msg.GetRequest().Command, "seq", msg.GetSeq(), "state", s.state.String())
	switch req := msg.(type) {
	case *dap.InitializeRequest:
		s.onInitialize(req)
	case *dap.LaunchRequest:
		return s.onLaunch(ctx, req)
	case *dap.AttachRequest:
		return s.onAttach(ctx, req)
	case *dap.ConfigurationDoneRequest:
		s.onConfigurationDone(ctx, req)
	case *dap.SetBreakpointsRequest:
		return s.onSetBreakpoints(ctx, req)
	case *dap.SetFunctionBreakpointsRequest:
		return s.onSetFunctionBreakpoints(ctx, req)
	case *dap.BreakpointLocationsRequest:
		return s.onBreakpointLocations(ctx, req)
	case *dap.ContinueRequest:
		s.onContinue(ctx, req)
	case *dap.NextRequest:
		s.onStep(ctx, &req.Request, req.Arguments.ThreadId, "exec-next")
	case *dap.StepInRequest:
		s.onStep(ctx, &req.Request, req.Arguments.ThreadId, "exec-step")
	case *dap.StepOutRequest:
		s.onStep(ctx, &req.Request, req.Arguments.ThreadId, "exec-finish")
	case *dap.PauseRequest:
		s.onPause(ctx, req)
	case *dap.ThreadsRequest:
		s.onThreads(ctx, req)
	case *dap.StackTraceRequest:
		s.onStackTrace(ctx, req)
	case *dap.ScopesRequest:
		s.onScopes(ctx, req)
	case *dap.VariablesRequest:
		s.onVariables(ctx, req)
	case *dap.EvaluateRequest:
		s.onEvaluate(ctx, req)
	case *dap.SourceRequest:
		s.onSource(req)
	case *dap.DisconnectRequest:
		s.write(&dap.DisconnectResponse{Response: s.newResponse(&req.Request)})
		return errDisconnect
	default:
		r := msg.GetRequest()
		s.respondError(r, fmt.Errorf("%w: %s", ErrUnknownRequest, r.Command))
	}
	return nil
}

func (s *Session) onInitialize(req *dap.InitializeRequest) {
	resp := s.newResponse(&req.Request)
	s.write(&dap.InitializeResponse{
		Response: resp,
		Body: dap.Capabilities{
			SupportsConfigurationDoneRequest:   true,
			SupportsFunctionBreakpoints:        true,
			SupportsBreakpointLocationsRequest: true,
		},
	})
	s.write(&dap.InitializedEvent{Event: s.newEvent("initialized")})
}

// onLaunch makes sure GDB is up (breakpoint requests before launch may
// already have started it) and applies the launch arguments. A failure
// to start GDB is fatal to the session: the client gets a failed
// response and the run loop returns the error.
func (s *Session) onLaunch(ctx context.Context, req *dap.LaunchRequest) error {
	if s.state == StateTerminated {
		s.respondError(&req.Request, ErrSessionTerminated)
		return nil
	}
	if s.launched {
		s.respondError(&req.Request, errors.New("debug session already launched"))
		return nil
	}
	var args struct {
		StopOnEntry bool `json:"stopOnEntry"`
	}
	if len(req.Arguments) > 0 {
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			s.respondError(&req.Request, fmt.Errorf("invalid launch arguments: %w", err))
			return nil
		}
	}

	if err := s.ensureBackend(ctx); err != nil {
		return s.launchFailed(&req.Request, err)
	}
	s.launched = true

	if args.StopOnEntry {
		if _, err := s.command(ctx, "break-insert", "-t", "main"); err != nil {
			s.log.V(1).Info("entry breakpoint failed", "error", err.Error())
		}
	}
	s.write(&dap.LaunchResponse{Response: s.newResponse(&req.Request)})
	return nil
}

// onAttach attaches GDB to an already running process instead of
// launching the program, then reports the target stopped at entry.
func (s *Session) onAttach(ctx context.Context, req *dap.AttachRequest) error {
	if s.state == StateTerminated {
		s.respondError(&req.Request, ErrSessionTerminated)
		return nil
	}
	if s.launched {
		s.respondError(&req.Request, errors.New("debug session already launched"))
		return nil
	}
	var args struct {
		Pid int `json:"pid"`
	}
	if len(req.Arguments) > 0 {
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			s.respondError(&req.Request, fmt.Errorf("invalid attach arguments: %w", err))
			return nil
		}
	}
	if args.Pid <= 0 {
		s.respondError(&req.Request, errors.New("attach requires a pid"))
		return nil
	}

	if err := s.ensureBackend(ctx); err != nil {
		return s.launchFailed(&req.Request, err)
	}
	if _, err := s.command(ctx, "target-attach", strconv.Itoa(args.Pid)); err != nil {
		s.respondError(&req.Request, err)
		return nil
	}
	s.launched = true
	s.attached = true
	s.state = StateStopped
	s.stoppedThread = 1

	s.write(&dap.AttachResponse{Response: s.newResponse(&req.Request)})
	s.write(&dap.StoppedEvent{
		Event: s.newEvent("stopped"),
		Body:  dap.StoppedEventBody{Reason: "entry", ThreadId: 1, AllThreadsStopped: true},
	})
	return nil
}

// onConfigurationDone starts target execution once the client has
// finished sending breakpoints.
func (s *Session) onConfigurationDone(ctx context.Context, req *dap.ConfigurationDoneRequest) {
	if s.gdb == nil || s.state == StateTerminated {
		s.respondError(&req.Request, errors.New("no launched debug session"))
		return
	}
	// An attached target already exists and is stopped at entry; only a
	// launched one needs to be run.
	if !s.attached {
		if _, err := s.command(ctx, "exec-run"); err != nil {
			s.respondError(&req.Request, err)
			return
		}
		s.state = StateRunning
		s.invalidate()
	}
	s.write(&dap.ConfigurationDoneResponse{Response: s.newResponse(&req.Request)})
}

// onSetBreakpoints applies full-replace semantics per source file: the
// request describes the complete desired set, and the session diffs it
// against GDB's current breakpoints for that file.
func (s *Session) onSetBreakpoints(ctx context.Context, req *dap.SetBreakpointsRequest) error {
	if s.state == StateTerminated {
		s.respondError(&req.Request, ErrSessionTerminated)
		return nil
	}
	path := req.Arguments.Source.Path
	if path == "" {
		s.respondError(&req.Request, errors.New("setBreakpoints requires a source path"))
		return nil
	}
	if err := s.ensureBackend(ctx); err != nil {
		return s.launchFailed(&req.Request, err)
	}

	wanted := make([]int, 0, len(req.Arguments.Breakpoints))
	for _, sb := range req.Arguments.Breakpoints {
		wanted = append(wanted, sb.Line)
	}
	if len(wanted) == 0 && len(req.Arguments.Lines) > 0 {
		wanted = append(wanted, req.Arguments.Lines...)
	}
	wantSet := make(map[int]bool, len(wanted))
	for _, line := range wanted {
		wantSet[line] = true
	}

	current := s.breakpoints[path]
	if current == nil {
		current = make(map[int]*breakpoint)
		s.breakpoints[path] = current
	}
	for line, bp := range current {
		if wantSet[line] {
			continue
		}
		s.removeBreakpoint(ctx, bp)
		delete(current, line)
	}

	body := dap.SetBreakpointsResponseBody{Breakpoints: make([]dap.Breakpoint, 0, len(wanted))}
	for _, line := range wanted {
		bp, ok := current[line]
		if !ok {
			bp = s.insertBreakpoint(ctx, fmt.Sprintf("%s:%d", path, line), line)
			current[line] = bp
		}
		body.Breakpoints = append(body.Breakpoints, s.toDAPBreakpoint(bp, path))
	}
	s.write(&dap.SetBreakpointsResponse{Response: s.newResponse(&req.Request), Body: body})
	return nil
}

// onSetFunctionBreakpoints mirrors the source-file full-replace
// semantics over function names.
func (s *Session) onSetFunctionBreakpoints(ctx context.Context, req *dap.SetFunctionBreakpointsRequest) error {
	if s.state == StateTerminated {
		s.respondError(&req.Request, ErrSessionTerminated)
		return nil
	}
	if err := s.ensureBackend(ctx); err != nil {
		return s.launchFailed(&req.Request, err)
	}
	wantSet := make(map[string]bool, len(req.Arguments.Breakpoints))
	for _, fb := range req.Arguments.Breakpoints {
		wantSet[fb.Name] = true
	}
	for name, bp := range s.funcBreakpoints {
		if wantSet[name] {
			continue
		}
		s.removeBreakpoint(ctx, bp)
		delete(s.funcBreakpoints, name)
	}

	body := dap.SetFunctionBreakpointsResponseBody{Breakpoints: make([]dap.Breakpoint, 0, len(req.Arguments.Breakpoints))}
	for _, fb := range req.Arguments.Breakpoints {
		bp, ok := s.funcBreakpoints[fb.Name]
		if !ok {
			bp = s.insertBreakpoint(ctx, fb.Name, 0)
			s.funcBreakpoints[fb.Name] = bp
		}
		body.Breakpoints = append(body.Breakpoints, s.toDAPBreakpoint(bp, ""))
	}
	s.write(&dap.SetFunctionBreakpointsResponse{Response: s.newResponse(&req.Request), Body: body})
	return nil
}

// onBreakpointLocations lists the lines within the requested range that
// actually carry code, straight from GDB's line table for the file.
func (s *Session) onBreakpointLocations(ctx context.Context, req *dap.BreakpointLocationsRequest) error {
	if s.state == StateTerminated {
		s.respondError(&req.Request, ErrSessionTerminated)
		return nil
	}
	if req.Arguments == nil || req.Arguments.Source.Path == "" || req.Arguments.Line == 0 {
		s.respondError(&req.Request, errors.New("breakpointLocations requires a source path and line"))
		return nil
	}
	if err := s.ensureBackend(ctx); err != nil {
		return s.launchFailed(&req.Request, err)
	}

	rec, err := s.command(ctx, "symbol-list-lines", req.Arguments.Source.Path)
	if err != nil {
		s.respondError(&req.Request, err)
		return nil
	}
	first, last := req.Arguments.Line, req.Arguments.EndLine
	if last < first {
		last = first
	}
	seen := make(map[int]bool)
	var lines []int
	for _, el := range rec.Results.List("lines") {
		entry, ok := el.(mi.Tuple)
		if !ok {
			continue
		}
		line, err := strconv.Atoi(entry.Str("line"))
		if err != nil || line < first || line > last || seen[line] {
			continue
		}
		seen[line] = true
		lines = append(lines, line)
	}
	sort.Ints(lines)

	body := dap.BreakpointLocationsResponseBody{Breakpoints: make([]dap.BreakpointLocation, 0, len(lines))}
	for _, line := range lines {
		body.Breakpoints = append(body.Breakpoints, dap.BreakpointLocation{Line: line})
	}
	s.write(&dap.BreakpointLocationsResponse{Response: s.newResponse(&req.Request), Body: body})
	return nil
}

func (s *Session) insertBreakpoint(ctx context.Context, location string, requestedLine int) *breakpoint {
	rec, err := s.command(ctx, "break-insert", location)
	if err != nil {
		return &breakpoint{line: requestedLine, message: err.Error()}
	}
	bkpt := rec.Results.Tuple("bkpt")
	bp := &breakpoint{line: requestedLine, verified: true}
	if bkpt != nil {
		bp.id, _ = strconv.Atoi(bkpt.Str("number"))
		if line, err := strconv.Atoi(bkpt.Str("line")); err == nil && line > 0 {
			bp.line = line
		}
	}
	return bp
}

func (s *Session) removeBreakpoint(ctx context.Context, bp *breakpoint) {
	if bp.id == 0 {
		return
	}
	if _, err := s.command(ctx, "break-delete", strconv.Itoa(bp.id)); err != nil {
		s.log.V(1).Info("break-delete failed", "breakpoint", bp.id, "error", err.Error())
	}
}

func (s *Session) toDAPBreakpoint(bp *breakpoint, path string) dap.Breakpoint {
	out := dap.Breakpoint{
		Id:       bp.id,
		Verified: bp.verified,
		Message:  bp.message,
		Line:     bp.line,
	}
	if path != "" {
		out.Source = &dap.Source{Name: filepath.Base(path), Path: path}
	}
	return out
}

func (s *Session) onContinue(ctx context.Context, req *dap.ContinueRequest) {
	if err := s.requireStopped(); err != nil {
		s.respondError(&req.Request, err)
		return
	}
	var args []string
	if req.Arguments.ThreadId > 0 && req.Arguments.SingleThread {
		args = []string{"--thread", strconv.Itoa(req.Arguments.ThreadId)}
	}
	if _, err := s.command(ctx, "exec-continue", args...); err != nil {
		s.respondError(&req.Request, err)
		return
	}
	s.state = StateRunning
	s.invalidate()
	s.write(&dap.ContinueResponse{
		Response: s.newResponse(&req.Request),
		Body:     dap.ContinueResponseBody{AllThreadsContinued: len(args) == 0},
	})
}

// onStep handles next, stepIn and stepOut, selecting the requested
// thread before issuing the execution command.
func (s *Session) onStep(ctx context.Context, req *dap.Request, threadID int, cmd string) {
	if err := s.requireStopped(); err != nil {
		s.respondError(req, err)
		return
	}
	if threadID > 0 {
		if _, err := s.command(ctx, "thread-select", strconv.Itoa(threadID)); err != nil {
			s.respondError(req, err)
			return
		}
	}
	if _, err := s.command(ctx, cmd); err != nil {
		s.respondError(req, err)
		return
	}
	s.state = StateRunning
	s.invalidate()
	resp := s.newResponse(req)
	switch req.Command {
	case "next":
		s.write(&dap.NextResponse{Response: resp})
	case "stepIn":
		s.write(&dap.StepInResponse{Response: resp})
	case "stepOut":
		s.write(&dap.StepOutResponse{Response: resp})
	default:
		s.write(&resp)
	}
}

func (s *Session) onPause(ctx context.Context, req *dap.PauseRequest) {
	if s.state == StateTerminated {
		s.respondError(&req.Request, ErrSessionTerminated)
		return
	}
	if s.state != StateRunning {
		s.respondError(&req.Request, errors.New("target is not running"))
		return
	}
	if _, err := s.command(ctx, "exec-interrupt"); err != nil {
		s.respondError(&req.Request, err)
		return
	}
	s.write(&dap.PauseResponse{Response: s.newResponse(&req.Request)})
}

func (s *Session) onThreads(ctx context.Context, req *dap.ThreadsRequest) {
	if err := s.requireStopped(); err != nil {
		s.respondError(&req.Request, err)
		return
	}
	if !s.threadsValid {
		rec, err := s.command(ctx, "thread-info")
		if err != nil {
			s.respondError(&req.Request, err)
			return
		}
		s.threads = parseThreads(rec)
		if len(s.threads) == 0 && s.stoppedThread > 0 {
			s.threads = []dap.Thread{{Id: s.stoppedThread, Name: fmt.Sprintf("Thread %d", s.stoppedThread)}}
		}
		s.threadsValid = true
	}
	s.write(&dap.ThreadsResponse{
		Response: s.newResponse(&req.Request),
		Body:     dap.ThreadsResponseBody{Threads: s.threads},
	})
}

func (s *Session) onStackTrace(ctx context.Context, req *dap.StackTraceRequest) {
	if err := s.requireStopped(); err != nil {
		s.respondError(&req.Request, err)
		return
	}
	threadID := req.Arguments.ThreadId
	frames, ok := s.frames[threadID]
	if !ok {
		if _, err := s.command(ctx, "thread-select", strconv.Itoa(threadID)); err != nil {
			s.respondError(&req.Request, err)
			return
		}
		rec, err := s.command(ctx, "stack-list-frames")
		if err != nil {
			s.respondError(&req.Request, err)
			return
		}
		frames = parseFrames(rec)
		s.frames[threadID] = frames
	}

	total := len(frames)
	start := req.Arguments.StartFrame
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	page := frames[start:]
	if levels := req.Arguments.Levels; levels > 0 && levels < len(page) {
		page = page[:levels]
	}
	s.write(&dap.StackTraceResponse{
		Response: s.newResponse(&req.Request),
		Body:     dap.StackTraceResponseBody{StackFrames: page, TotalFrames: total},
	})
}

// onScopes selects the frame in GDB so that subsequent locals and
// evaluate requests refer to it, then advertises the Locals scope.
func (s *Session) onScopes(ctx context.Context, req *dap.ScopesRequest) {
	if err := s.requireStopped(); err != nil {
		s.respondError(&req.Request, err)
		return
	}
	frameID := req.Arguments.FrameId
	if _, err := s.command(ctx, "stack-select-frame", strconv.Itoa(frameID)); err != nil {
		s.respondError(&req.Request, err)
		return
	}
	s.write(&dap.ScopesResponse{
		Response: s.newResponse(&req.Request),
		Body: dap.ScopesResponseBody{Scopes: []dap.Scope{{
			Name:               "Locals",
			PresentationHint:   "locals",
			VariablesReference: localsRefBase + frameID,
		}}},
	})
}

func (s *Session) onVariables(ctx context.Context, req *dap.VariablesRequest) {
	if err := s.requireStopped(); err != nil {
		s.respondError(&req.Request, err)
		return
	}
	ref := req.Arguments.VariablesReference
	var vars []dap.Variable
	var err error
	switch {
	case ref >= localsRefBase && ref < registersRefBase:
		vars, err = s.localVariables(ctx)
	case ref >= registersRefBase && ref < dynamicRefBase:
		// Register scopes are not populated.
	default:
		vars, err = s.childVariables(ctx, ref)
	}
	if err != nil {
		s.respondError(&req.Request, err)
		return
	}
	if vars == nil {
		vars = []dap.Variable{}
	}
	s.write(&dap.VariablesResponse{
		Response: s.newResponse(&req.Request),
		Body:     dap.VariablesResponseBody{Variables: vars},
	})
}

func (s *Session) onEvaluate(ctx context.Context, req *dap.EvaluateRequest) {
	if err := s.requireStopped(); err != nil {
		s.respondError(&req.Request, err)
		return
	}
	if req.Arguments.Expression == "" {
		s.respondError(&req.Request, errors.New("empty expression"))
		return
	}
	rec, err := s.command(ctx, "data-evaluate-expression", req.Arguments.Expression)
	if err != nil {
		s.respondError(&req.Request, err)
		return
	}
	s.write(&dap.EvaluateResponse{
		Response: s.newResponse(&req.Request),
		Body:     dap.EvaluateResponseBody{Result: rec.Str("value")},
	})
}

func (s *Session) onSource(req *dap.SourceRequest) {
	path := ""
	if req.Arguments.Source != nil {
		path = req.Arguments.Source.Path
	}
	if path == "" {
		s.respondError(&req.Request, errors.New("source request carries no file path"))
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.respondError(&req.Request, fmt.Errorf("failed to read source: %w", err))
		return
	}
	s.write(&dap.SourceResponse{
		Response: s.newResponse(&req.Request),
		Body:     dap.SourceResponseBody{Content: string(data)},
	})
}
