// Package logsanitize provides helpers for sanitizing untrusted values before logging.
package logsanitize

import "strings"

// maxOutputLen bounds how much helper output ends up in a single log record.
const maxOutputLen = 4096

// Sanitize removes control characters from log field values to reduce
// the risk of log injection (CWE-117).
//
// Stripped ranges:
//   - C0 controls 0x00-0x1F (except horizontal tab 0x09)
//   - DEL 0x7F and C1 controls 0x80-0x9F
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return '_'
		}
		if r >= 0x7f && r <= 0x9f {
			return '_'
		}
		return r
	}, s)
}

// Mask prepares multi-line process output for logging: every occurrence of a
// non-empty secret is replaced with "[REDACTED]", lines are joined with " | ",
// remaining control characters are sanitized and the result is truncated to
// the last maxOutputLen bytes, where helpers usually print their verdict.
func Mask(output string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		output = strings.ReplaceAll(output, secret, "[REDACTED]")
	}

	output = strings.ReplaceAll(output, "\r\n", "\n")
	lines := strings.FieldsFunc(output, func(r rune) bool { return r == '\n' || r == '\r' })
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	joined := Sanitize(strings.Join(lines, " | "))

	if len(joined) > maxOutputLen {
		joined = "..." + joined[len(joined)-maxOutputLen:]
	}
	return joined
}
