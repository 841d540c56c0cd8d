// Package codefence pulls source code out of model responses that wrap it
// in markdown fences.
package codefence

import (
	"regexp"
	"strings"
)

// fencePattern matches an opening fence with an optional info string, the
// body, and either a closing fence or end of input. An unterminated final
// block is still captured.
var fencePattern = regexp.MustCompile("(?s)```([A-Za-z0-9_+.-]*)[^\\n]*\\n(.*?)(?:```|\\z)")

var langAliases = map[string][]string{
	"python": {"python", "py", "python3"},
}

// Block is one fenced region.
type Block struct {
	Lang string
	Body string
}

// Blocks returns every fenced block in text in order of appearance.
func Blocks(text string) []Block {
	var blocks []Block
	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		blocks = append(blocks, Block{Lang: strings.ToLower(m[1]), Body: m[2]})
	}
	return blocks
}

// Extract returns the code for lang found in text. Blocks tagged with lang
// (or an alias) are concatenated in order. If none are tagged, untagged
// blocks are used. With no usable fence the whole response, trimmed, is
// treated as code. For non-blank input the result is never empty.
func Extract(text, lang string) string {
	blocks := Blocks(text)

	var tagged, untagged []string
	for _, b := range blocks {
		body := strings.TrimSpace(b.Body)
		if body == "" {
			continue
		}
		switch {
		case matchesLang(b.Lang, lang):
			tagged = append(tagged, body)
		case b.Lang == "":
			untagged = append(untagged, body)
		}
	}

	if len(tagged) > 0 {
		return strings.Join(tagged, "\n\n")
	}
	if len(untagged) > 0 {
		return strings.Join(untagged, "\n\n")
	}
	if raw := strings.TrimSpace(stripStrayFences(text)); raw != "" {
		return raw
	}
	return strings.TrimSpace(text)
}

func matchesLang(tag, lang string) bool {
	lang = strings.ToLower(lang)
	if tag == lang {
		return true
	}
	for _, a := range langAliases[lang] {
		if tag == a {
			return true
		}
	}
	return false
}

// stripStrayFences drops lines that are only a fence marker, which show up
// when a model opens a block on the last line or closes one it never opened.
func stripStrayFences(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "```") && !strings.Contains(strings.TrimSpace(l)[3:], " ") {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}
