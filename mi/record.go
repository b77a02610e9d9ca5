package mi

// Kind classifies a GDB/MI output line by its sigil.
type Kind int

const (
	// KindResult is a "^" result record answering a token-prefixed command.
	KindResult Kind = iota
	// KindExecAsync is a "*" asynchronous execution state change.
	KindExecAsync
	// KindStatusAsync is a "+" progress record.
	KindStatusAsync
	// KindNotifyAsync is a "=" notification record.
	KindNotifyAsync
	// KindConsoleStream is a "~" console stream line, and also the
	// passthrough classification for non-MI noise such as banners and
	// the "(gdb)" prompt.
	KindConsoleStream
	// KindTargetStream is a "@" target output line.
	KindTargetStream
	// KindLogStream is a "&" internal log line.
	KindLogStream
)

func (k Kind) String() string {
	switch k {
	case KindResult:
		return "result"
	case KindExecAsync:
		return "exec-async"
	case KindStatusAsync:
		return "status-async"
	case KindNotifyAsync:
		return "notify-async"
	case KindConsoleStream:
		return "console-stream"
	case KindTargetStream:
		return "target-stream"
	case KindLogStream:
		return "log-stream"
	}
	return "unknown"
}

// Tuple is an MI tuple body: variable name to value, where a value is a
// string constant, a nested Tuple, or a List.
type Tuple map[string]any

// List is an MI list body. Elements are values; "key=value" elements
// (as in stack=[frame={...},frame={...}]) contribute their value.
type List []any

// Record is one decoded MI output line.
type Record struct {
	Kind Kind
	// Token is the command token echoed on result records, -1 when absent.
	Token int
	// Class is the result class ("done", "error", "running"), the async
	// class ("stopped", "thread-created", ...), or the raw text for
	// stream and passthrough records.
	Class string
	// Results holds the comma-separated variable bindings after the class.
	Results Tuple
}

// Str returns the string constant bound to key, or "" when absent or not
// a constant.
func (t Tuple) Str(key string) string {
	s, _ := t[key].(string)
	return s
}

// Tuple returns the nested tuple bound to key, or nil.
func (t Tuple) Tuple(key string) Tuple {
	v, _ := t[key].(Tuple)
	return v
}

// List returns the list bound to key, or nil.
func (t Tuple) List(key string) List {
	v, _ := t[key].(List)
	return v
}

// Str is shorthand for r.Results.Str.
func (r Record) Str(key string) string {
	return r.Results.Str(key)
}
