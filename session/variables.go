package session

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/go-dap"

	"github.com/xhd2015/gdb-dap/mi"
)

// localVariables fetches the locals of the currently selected frame.
// Compound values are promoted to GDB variable objects so the client can
// expand them lazily.
func (s *Session) localVariables(ctx context.Context) ([]dap.Variable, error) {
	rec, err := s.command(ctx, "stack-list-locals", "1")
	if err != nil {
		return nil, err
	}
	var vars []dap.Variable
	for _, el := range rec.Results.List("locals") {
		local, ok := el.(mi.Tuple)
		if !ok {
			continue
		}
		name := local.Str("name")
		if name == "" {
			continue
		}
		value := local.Str("value")
		if isCompound(value) {
			if v, err := s.createVarObject(ctx, name); err == nil {
				vars = append(vars, v)
				continue
			}
			// Fall back to the flat rendering when var-create fails.
		}
		vars = append(vars, dap.Variable{Name: name, Value: value})
	}
	return vars, nil
}

// createVarObject registers a GDB varobj for name and maps it to a fresh
// dynamic variables reference when it has expandable children.
func (s *Session) createVarObject(ctx context.Context, name string) (dap.Variable, error) {
	rec, err := s.command(ctx, "var-create", "-", "*", name)
	if err != nil {
		return dap.Variable{}, err
	}
	payload := rec.Results
	v := dap.Variable{
		Name:  name,
		Value: payload.Str("value"),
		Type:  payload.Str("type"),
	}
	if v.Value == "" {
		v.Value = "<unknown>"
	}
	if canExpand(payload) {
		if gdbName := payload.Str("name"); gdbName != "" {
			v.VariablesReference = s.newVarRef(gdbName)
		}
	}
	return v, nil
}

// childVariables expands one level of a previously registered varobj.
func (s *Session) childVariables(ctx context.Context, ref int) ([]dap.Variable, error) {
	gdbName, ok := s.varRefs[ref]
	if !ok {
		return nil, nil
	}
	rec, err := s.command(ctx, "var-list-children", "--all-values", gdbName, "0", "1000")
	if err != nil {
		return nil, err
	}
	var vars []dap.Variable
	for _, el := range rec.Results.List("children") {
		child, ok := el.(mi.Tuple)
		if !ok {
			continue
		}
		childGDBName := child.Str("name")
		if childGDBName == "" {
			continue
		}
		v := dap.Variable{
			Name:  child.Str("exp"),
			Value: child.Str("value"),
			Type:  child.Str("type"),
		}
		if canExpand(child) {
			v.VariablesReference = s.newVarRef(childGDBName)
		}
		vars = append(vars, v)
	}
	return vars, nil
}

// isCompound reports whether a rendered value looks like a struct or
// array, i.e. worth a varobj.
func isCompound(value string) bool {
	return strings.Contains(value, "{") || strings.Contains(value, "[")
}

// canExpand mirrors GDB's varobj expansion signals.
func canExpand(info mi.Tuple) bool {
	if n, err := strconv.Atoi(info.Str("numchild")); err == nil && n > 0 {
		return true
	}
	return info.Str("has_more") == "1" || info.Str("displayhint") == "array"
}

func parseThreads(rec mi.Record) []dap.Thread {
	var threads []dap.Thread
	for _, el := range rec.Results.List("threads") {
		info, ok := el.(mi.Tuple)
		if !ok {
			continue
		}
		id, err := strconv.Atoi(info.Str("id"))
		if err != nil {
			continue
		}
		name := info.Str("name")
		if name == "" {
			name = info.Str("target-id")
		}
		if name == "" {
			name = "Thread " + strconv.Itoa(id)
		}
		threads = append(threads, dap.Thread{Id: id, Name: name})
	}
	return threads
}

func parseFrames(rec mi.Record) []dap.StackFrame {
	var frames []dap.StackFrame
	for _, el := range rec.Results.List("stack") {
		info, ok := el.(mi.Tuple)
		if !ok {
			continue
		}
		level, err := strconv.Atoi(info.Str("level"))
		if err != nil {
			continue
		}
		frame := dap.StackFrame{
			Id:   level,
			Name: info.Str("func"),
		}
		if frame.Name == "" {
			frame.Name = "??"
		}
		frame.Line, _ = strconv.Atoi(info.Str("line"))
		if file := info.Str("file"); file != "" {
			path := info.Str("fullname")
			if path == "" {
				path = file
			}
			frame.Source = &dap.Source{Name: file, Path: path}
		}
		if addr := info.Str("addr"); addr != "" {
			frame.InstructionPointerReference = addr
		}
		frames = append(frames, frame)
	}
	return frames
}
