package logger

import (
	"fmt"
	"strings"
)

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactEmails masks every address in a recipient list and joins them for a
// single log field. Lists longer than three are summarized to keep log lines
// bounded.
func RedactEmails(emails []string) string {
	if len(emails) == 0 {
		return ""
	}
	n := len(emails)
	if n > 3 {
		n = 3
	}
	masked := make([]string, 0, n)
	for _, e := range emails[:n] {
		masked = append(masked, RedactEmail(e))
	}
	out := strings.Join(masked, ",")
	if len(emails) > 3 {
		out += fmt.Sprintf(" +%d more", len(emails)-3)
	}
	return out
}
