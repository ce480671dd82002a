// Package sanitize scrubs strings before they reach a log line or a
// response header, stripping control characters that could be used for
// log injection and bounding the length of attacker-controlled input.
package sanitize

// DefaultMaxLen is the truncation length used when callers don't need a
// different bound (log fields sourced from request data, per spec §4.3).
const DefaultMaxLen = 200

// String removes bytes in 0x00-0x1f and 0x7f from s, then truncates the
// result to maxLen bytes. A maxLen <= 0 falls back to DefaultMaxLen.
func String(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b <= 0x1f || b == 0x7f {
			continue
		}
		out = append(out, b)
	}
	if len(out) > maxLen {
		out = out[:maxLen]
	}
	return string(out)
}

// Default sanitizes s with DefaultMaxLen.
func Default(s string) string {
	return String(s, DefaultMaxLen)
}
