package logging

import "strings"

// maxLogValue caps device-supplied values (command lines, paths) in log lines.
const maxLogValue = 200

// Sanitize removes newlines and control characters from device- or
// user-supplied strings so they cannot forge log entries, and truncates
// values longer than maxLogValue runes.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if n == maxLogValue {
			b.WriteString("...")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 0x7f:
			continue
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}
