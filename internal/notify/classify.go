package notify

import (
	"regexp"
	"strings"
)

const maxOptions = 10

var (
	yesNoPattern = regexp.MustCompile(`(?i)[(\[]\s*y(es)?\s*/\s*n(o)?\s*[)\]]|\byes or no\b|\bconfirm\b.*\?`)

	choicePattern = regexp.MustCompile(`(?i)\[(\d+|[a-z])\]|\bchoose\b|\bselect\b`)

	bracketToken = regexp.MustCompile(`\[([^\[\]\n]{1,40})\]`)
)

// Classify inspects the most recent output of a waiting agent and returns
// the fixed answers it expects. A nil result means free text.
func Classify(lines []string) []string {
	text := strings.Join(lines, "\n")
	if text == "" {
		return nil
	}

	if yesNoPattern.MatchString(lastLine(lines)) {
		return []string{"Yes", "No"}
	}

	if choicePattern.MatchString(text) {
		return bracketOptions(text)
	}

	// An earlier line may carry the question when the prompt itself is short
	if yesNoPattern.MatchString(text) {
		return []string{"Yes", "No"}
	}
	return nil
}

func bracketOptions(text string) []string {
	var opts []string
	seen := make(map[string]bool)
	for _, m := range bracketToken.FindAllStringSubmatch(text, -1) {
		opt := strings.TrimSpace(m[1])
		if opt == "" || seen[opt] {
			continue
		}
		seen[opt] = true
		opts = append(opts, opt)
		if len(opts) == maxOptions {
			break
		}
	}
	return opts
}

// lastLine returns the last non-blank line
func lastLine(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s
		}
	}
	return ""
}
