package generate

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/template"
)

//go:embed prompts/*.tmpl prompts/manim_guide.txt
var defaultPrompts embed.FS

// Prompts renders the system and user messages for each stage. Every
// template file defines a "system" and a "user" template.
type Prompts struct {
	tmpl  map[StageKind]*template.Template
	guide string
}

type promptData struct {
	Input   string
	Context map[string]string
	Guide   string
}

// LoadPrompts loads the built-in templates. Files named <stage>.tmpl or
// manim_guide.txt in dir, when dir is non-empty, replace the built-ins.
func LoadPrompts(dir string) (*Prompts, error) {
	p := &Prompts{tmpl: make(map[StageKind]*template.Template, len(AllStages))}

	guide, err := readPromptFile(dir, "manim_guide.txt")
	if err != nil {
		return nil, err
	}
	p.guide = string(guide)

	for _, kind := range AllStages {
		src, err := readPromptFile(dir, string(kind)+".tmpl")
		if err != nil {
			return nil, err
		}
		t, err := template.New(string(kind)).Option("missingkey=zero").Parse(string(src))
		if err != nil {
			return nil, fmt.Errorf("generate: parse %s prompt: %w", kind, err)
		}
		for _, name := range []string{"system", "user"} {
			if t.Lookup(name) == nil {
				return nil, fmt.Errorf("generate: %s prompt is missing the %q template", kind, name)
			}
		}
		p.tmpl[kind] = t
	}
	return p, nil
}

func readPromptFile(dir, name string) ([]byte, error) {
	if dir != "" {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("generate: read prompt %s: %w", name, err)
		}
	}
	data, err := defaultPrompts.ReadFile("prompts/" + name)
	if err != nil {
		return nil, fmt.Errorf("generate: built-in prompt %s: %w", name, err)
	}
	return data, nil
}

// Render returns the system and user messages for req.
func (p *Prompts) Render(req Request) (system, user string, err error) {
	t, ok := p.tmpl[req.Kind]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownStage, req.Kind)
	}
	data := promptData{Input: req.Input, Context: req.Context, Guide: p.guide}
	if data.Context == nil {
		data.Context = map[string]string{}
	}

	var sys, usr bytes.Buffer
	if err := t.ExecuteTemplate(&sys, "system", data); err != nil {
		return "", "", fmt.Errorf("generate: render %s system prompt: %w", req.Kind, err)
	}
	if err := t.ExecuteTemplate(&usr, "user", data); err != nil {
		return "", "", fmt.Errorf("generate: render %s user prompt: %w", req.Kind, err)
	}
	return sys.String(), usr.String(), nil
}
