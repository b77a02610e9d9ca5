package session

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/go-dap"

	"github.com/xhd2015/gdb-dap/mi"
)

// quietNotifyClasses are MI notifications that carry no information a
// DAP client acts on; they are logged instead of forwarded.
var quietNotifyClasses = map[string]bool{
	"thread-created":       true,
	"thread-exited":        true,
	"thread-selected":      true,
	"thread-group-added":   true,
	"thread-group-removed": true,
	"thread-group-started": true,
	"thread-group-exited":  true,
	"library-loaded":       true,
	"library-unloaded":     true,
	"cmd-param-changed":    true,
	"breakpoint-created":   true, // created by us, already reported via the response
}

// handleNotification translates one asynchronous MI record into DAP
// events and state transitions.
func (s *Session) handleNotification(rec mi.Record) {
	switch rec.Kind {
	case mi.KindExecAsync:
		switch rec.Class {
		case "stopped":
			s.onTargetStopped(rec)
		case "running":
			s.onTargetRunning(rec)
		default:
			s.forwardUnknown(rec)
		}
	case mi.KindNotifyAsync:
		switch rec.Class {
		case "breakpoint-modified":
			s.onBreakpointModified(rec)
		case "breakpoint-deleted":
			s.onBreakpointDeleted(rec)
		default:
			if quietNotifyClasses[rec.Class] {
				s.log.V(2).Info("gdb notification", "class", rec.Class)
			} else {
				s.forwardUnknown(rec)
			}
		}
	case mi.KindStatusAsync:
		s.log.V(2).Info("gdb progress", "class", rec.Class)
	case mi.KindConsoleStream:
		if strings.TrimSpace(rec.Class) == "(gdb)" {
			return
		}
		s.writeOutput("console", rec.Class)
	case mi.KindTargetStream:
		s.writeOutput("stdout", rec.Class)
	case mi.KindLogStream:
		s.log.V(2).Info("gdb log", "text", rec.Class)
	}
}

// onTargetStopped handles *stopped. The MI reason passes through to the
// client verbatim; "exited-*" reasons end the session instead.
func (s *Session) onTargetStopped(rec mi.Record) {
	s.invalidate()
	reason := rec.Str("reason")
	if strings.HasPrefix(reason, "exited") {
		code := 0
		if v := rec.Str("exit-code"); v != "" {
			// GDB reports the inferior exit code in octal.
			if n, err := strconv.ParseInt(v, 8, 32); err == nil {
				code = int(n)
			}
		}
		s.terminate(code)
		return
	}
	if reason == "" {
		reason = "pause"
	}
	s.state = StateStopped
	threadID, _ := strconv.Atoi(rec.Str("thread-id"))
	s.stoppedThread = threadID

	body := dap.StoppedEventBody{
		Reason:            reason,
		ThreadId:          threadID,
		AllThreadsStopped: rec.Str("stopped-threads") == "all",
	}
	if n, err := strconv.Atoi(rec.Str("bkptno")); err == nil && n > 0 {
		body.HitBreakpointIds = []int{n}
	}
	s.write(&dap.StoppedEvent{Event: s.newEvent("stopped"), Body: body})
}

// onTargetRunning handles *running: caches become stale the moment the
// target resumes, and the client's stack views with them.
func (s *Session) onTargetRunning(rec mi.Record) {
	s.invalidate()
	s.state = StateRunning

	body := dap.ContinuedEventBody{}
	if tid := rec.Str("thread-id"); tid == "all" {
		body.AllThreadsContinued = true
	} else if n, err := strconv.Atoi(tid); err == nil {
		body.ThreadId = n
	}
	s.write(&dap.ContinuedEvent{Event: s.newEvent("continued"), Body: body})
	s.write(&dap.InvalidatedEvent{
		Event: s.newEvent("invalidated"),
		Body:  dap.InvalidatedEventBody{Areas: []dap.InvalidatedAreas{"stacks"}},
	})
}

func (s *Session) onBreakpointModified(rec mi.Record) {
	bkpt := rec.Results.Tuple("bkpt")
	if bkpt == nil {
		return
	}
	id, err := strconv.Atoi(bkpt.Str("number"))
	if err != nil {
		return
	}
	line, _ := strconv.Atoi(bkpt.Str("line"))

	out := dap.Breakpoint{Id: id, Verified: true, Line: line}
	if file := bkpt.Str("fullname"); file != "" {
		out.Source = &dap.Source{Path: file}
	}
	if bp := s.findBreakpoint(id); bp != nil {
		bp.verified = true
		if line > 0 {
			bp.line = line
		}
	}
	s.write(&dap.BreakpointEvent{
		Event: s.newEvent("breakpoint"),
		Body:  dap.BreakpointEventBody{Reason: "changed", Breakpoint: out},
	})
}

func (s *Session) onBreakpointDeleted(rec mi.Record) {
	id, err := strconv.Atoi(rec.Str("id"))
	if err != nil {
		return
	}
	s.dropBreakpoint(id)
	s.write(&dap.BreakpointEvent{
		Event: s.newEvent("breakpoint"),
		Body:  dap.BreakpointEventBody{Reason: "removed", Breakpoint: dap.Breakpoint{Id: id}},
	})
}

func (s *Session) findBreakpoint(id int) *breakpoint {
	for _, byLine := range s.breakpoints {
		for _, bp := range byLine {
			if bp.id == id {
				return bp
			}
		}
	}
	for _, bp := range s.funcBreakpoints {
		if bp.id == id {
			return bp
		}
	}
	return nil
}

func (s *Session) dropBreakpoint(id int) {
	for _, byLine := range s.breakpoints {
		for line, bp := range byLine {
			if bp.id == id {
				delete(byLine, line)
			}
		}
	}
	for name, bp := range s.funcBreakpoints {
		if bp.id == id {
			delete(s.funcBreakpoints, name)
		}
	}
}

// forwardUnknown surfaces an unrecognized async class to the client as
// console output rather than dropping it silently.
func (s *Session) forwardUnknown(rec mi.Record) {
	s.writeOutput("console", fmt.Sprintf("gdb notification: %s\n", rec.Class))
}

func (s *Session) writeOutput(category string, text string) {
	if text == "" {
		return
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	s.write(&dap.OutputEvent{
		Event: s.newEvent("output"),
		Body:  dap.OutputEventBody{Category: category, Output: text},
	})
}
