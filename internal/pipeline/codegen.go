package pipeline

import (
	"fmt"
	"strings"

	"github.com/zulandar/mathreel/internal/codefence"
	"github.com/zulandar/mathreel/internal/generate"
)

var provenancePrefixes = []string{
	"# Generated Manim code for session:",
	"# Regenerated Manim code for session:",
	"# Improved Manim code for session:",
	"# Fixed version after rendering error",
	"# Revised after review",
}

// provenanceHeader labels code with the session and how it was produced.
func provenanceHeader(sessionID string, kind generate.StageKind, score int) string {
	switch kind {
	case generate.StageCodeFix:
		return fmt.Sprintf("# Regenerated Manim code for session: %s\n# Fixed version after rendering error", sessionID)
	case generate.StageCodeImprove:
		return fmt.Sprintf("# Improved Manim code for session: %s\n# Revised after review (score: %d/100)", sessionID, score)
	default:
		return fmt.Sprintf("# Generated Manim code for session: %s", sessionID)
	}
}

// prepareCode extracts code from a model response and replaces any earlier
// provenance header with one for kind.
func prepareCode(raw, sessionID string, kind generate.StageKind, score int) (string, error) {
	code := stripProvenance(codefence.Extract(raw, "python"))
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("response contained no code")
	}
	return provenanceHeader(sessionID, kind, score) + "\n\n" + code + "\n", nil
}

func stripProvenance(code string) string {
	lines := strings.Split(code, "\n")
	i := 0
	for i < len(lines) {
		l := strings.TrimSpace(lines[i])
		if l == "" || hasProvenancePrefix(l) {
			i++
			continue
		}
		break
	}
	return strings.Join(lines[i:], "\n")
}

func hasProvenancePrefix(line string) bool {
	for _, p := range provenancePrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}
