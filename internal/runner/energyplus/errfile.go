package energyplus

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/seantiz/validator/internal/envelope"
)

// Message codes for entries parsed from eplusout.err.
const (
	CodeWarning = "ENERGYPLUS_WARNING"
	CodeSevere  = "ENERGYPLUS_SEVERE"
	CodeFatal   = "ENERGYPLUS_FATAL"
)

var (
	markerPattern       = regexp.MustCompile(`(?i)^\s*\*\*\s*(warning|severe|fatal)\s*\*\*\s*(.*)$`)
	continuationPattern = regexp.MustCompile(`^\s*\*\*\s*~~~\s*\*\*\s*(.*)$`)
)

// ParseErrFile reads an eplusout.err file. A missing file yields no messages.
func ParseErrFile(path string) ([]envelope.Message, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseErr(f)
}

// ParseErr extracts warning, severe and fatal entries. Severe and fatal
// entries become error messages. Continuation lines are folded into the
// preceding entry and duplicate texts are reported once.
func ParseErr(r io.Reader) ([]envelope.Message, error) {
	var (
		messages []envelope.Message
		current  *envelope.Message
		seen     = make(map[string]bool)
	)
	flush := func() {
		if current != nil && !seen[current.Text] {
			seen[current.Text] = true
			messages = append(messages, *current)
		}
		current = nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "*************") ||
			strings.Contains(line, "Summary of Errors") ||
			strings.Contains(line, "Reference severe error") {
			flush()
			continue
		}

		if m := markerPattern.FindStringSubmatch(line); m != nil {
			flush()
			current = newMessage(strings.ToLower(m[1]), strings.TrimSpace(m[2]))
			continue
		}

		if current == nil || trimmed == "" {
			continue
		}
		if m := continuationPattern.FindStringSubmatch(line); m != nil {
			if text := strings.TrimSpace(m[1]); text != "" {
				current.Text += " " + text
			}
			continue
		}
		if !strings.HasPrefix(trimmed, "~") {
			current.Text += " " + trimmed
		}
	}
	if err := scanner.Err(); err != nil {
		return messages, err
	}
	flush()
	return messages, nil
}

func newMessage(kind, text string) *envelope.Message {
	switch kind {
	case "fatal":
		return &envelope.Message{Severity: envelope.SeverityError, Code: CodeFatal, Text: text}
	case "severe":
		return &envelope.Message{Severity: envelope.SeverityError, Code: CodeSevere, Text: text}
	default:
		return &envelope.Message{Severity: envelope.SeverityWarning, Code: CodeWarning, Text: text}
	}
}

// tailLines returns the last n lines of the file at path, or "" if it cannot
// be read.
func tailLines(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.SplitAfter(string(data), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "")
}
