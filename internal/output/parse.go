// Package output interprets raw agent process output. Parsing is a pure
// function from text to a typed result; nothing untyped leaks past this
// boundary.
package output

import (
	"encoding/json"
	"regexp"
	"strings"
)

// StatusMarker is the fixed prefix of the structured status block an agent
// may emit on stdout to signal definitive completion state:
//
//	KANLOOP_STATUS: {"EXIT_SIGNAL": true, "COMPLETION_INDICATORS": 2}
const StatusMarker = "KANLOOP_STATUS:"

// Result is the structured reading of one invocation's output.
type Result struct {
	// ExitSignal is true only when a well-formed status block says so.
	ExitSignal bool
	// CompletionIndicators is the status block's count when present, else
	// the heuristic phrase count. Heuristic detection is best-effort: an
	// agent that finishes without emitting the block or any known phrase
	// reads as not done.
	CompletionIndicators int
	// FilesModified are paths the agent announced touching, in order of
	// first mention.
	FilesModified []string
	// Errors are the stderr lines containing "error", case-insensitive.
	Errors []string
}

// Progress reports whether the invocation showed measurable progress:
// files touched or any completion indicator.
func (r Result) Progress() bool {
	return len(r.FilesModified) > 0 || r.CompletionIndicators > 0
}

// statusBlock is the JSON payload following StatusMarker.
type statusBlock struct {
	ExitSignal           bool `json:"EXIT_SIGNAL"`
	CompletionIndicators int  `json:"COMPLETION_INDICATORS"`
}

// completionPhrases are counted in stdout as a fallback completion signal.
var completionPhrases = []*regexp.Regexp{
	regexp.MustCompile(`(?i)task is complete`),
	regexp.MustCompile(`(?i)successfully completed`),
	regexp.MustCompile(`(?i)finished the task`),
	regexp.MustCompile(`(?i)all tests pass`),
	regexp.MustCompile(`(?i)implementation is complete`),
}

// fileLine matches lines announcing a touched path, e.g.
// "Modified: internal/loop/loop.go" or "created src/app.ts".
var fileLine = regexp.MustCompile(`(?im)^\s*(?:[-*]\s*)?(?:modified|created|updated|edited|wrote|deleted):?\s+` + "`?" + `([\w@./-]+\.[\w]+)` + "`?" + `\s*$`)

// Parse maps raw stdout/stderr to a Result. It never fails: a malformed
// status block is ignored and the heuristic signals stand in.
func Parse(stdout, stderr string) Result {
	result := Result{
		CompletionIndicators: countCompletionPhrases(stdout),
		FilesModified:        extractFiles(stdout),
		Errors:               extractErrors(stderr),
	}

	if block, ok := parseStatusBlock(stdout); ok {
		result.ExitSignal = block.ExitSignal
		result.CompletionIndicators = block.CompletionIndicators
	}

	return result
}

// parseStatusBlock finds the last StatusMarker line and decodes the inline
// JSON object following it. Malformed JSON is treated as absent.
func parseStatusBlock(stdout string) (statusBlock, bool) {
	idx := strings.LastIndex(stdout, StatusMarker)
	if idx < 0 {
		return statusBlock{}, false
	}
	rest := stdout[idx+len(StatusMarker):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	rest = strings.TrimSpace(rest)

	var block statusBlock
	if err := json.Unmarshal([]byte(rest), &block); err != nil {
		return statusBlock{}, false
	}
	return block, true
}

func countCompletionPhrases(stdout string) int {
	count := 0
	for _, phrase := range completionPhrases {
		count += len(phrase.FindAllStringIndex(stdout, -1))
	}
	return count
}

func extractFiles(stdout string) []string {
	matches := fileLine.FindAllStringSubmatch(stdout, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		path := m[1]
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}
	return files
}

func extractErrors(stderr string) []string {
	if stderr == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(stderr, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.Contains(strings.ToLower(trimmed), "error") {
			lines = append(lines, trimmed)
		}
	}
	return lines
}
