package mi

import (
	"strconv"
	"strings"
)

// EncodeCommand renders a token-prefixed MI command line, without the
// trailing newline. The leading dash of the command name is added here, so
// callers pass "break-insert", not "-break-insert". Arguments that are
// plain tokens (paths, numbers, MI options) pass through bare; anything
// else is written as an MI C-string.
func EncodeCommand(token int, command string, args ...string) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(token))
	b.WriteByte('-')
	b.WriteString(command)
	for _, arg := range args {
		b.WriteByte(' ')
		if needsQuoting(arg) {
			b.WriteString(Quote(arg))
		} else {
			b.WriteString(arg)
		}
	}
	return b.String()
}

// Quote renders s as an MI C-string constant.
func Quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func needsQuoting(arg string) bool {
	if arg == "" {
		return true
	}
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_' || c == '-' || c == '.' || c == '/' || c == ':' || c == '*':
		default:
			return true
		}
	}
	return false
}
