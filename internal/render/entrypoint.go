package render

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// ResolveEntryPoint returns the name of the scene class to render: the
// first class deriving directly from base, else the first class deriving
// from a *base variant (ThreeDScene, MovingCameraScene), else fallback.
func ResolveEntryPoint(ctx context.Context, source, base, fallback string) string {
	classes, err := sceneClasses(ctx, []byte(source))
	if err != nil {
		classes = sceneClassesRegexp(source)
	}

	for _, c := range classes {
		for _, b := range c.bases {
			if b == base {
				return c.name
			}
		}
	}
	for _, c := range classes {
		for _, b := range c.bases {
			if strings.HasSuffix(b, base) {
				return c.name
			}
		}
	}
	return fallback
}

type classDecl struct {
	name  string
	bases []string
}

func newPythonParser() *sitter.Parser {
	p := sitter.NewParser()
	p.SetLanguage(python.GetLanguage())
	return p
}

// sceneClasses lists class definitions in document order with their base
// names, qualified bases reduced to the final identifier.
func sceneClasses(ctx context.Context, src []byte) ([]classDecl, error) {
	parser := newPythonParser()
	defer parser.Close()
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("render: parse source: %w", err)
	}
	defer tree.Close()

	var out []classDecl
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == "class_definition" {
			decl := classDecl{}
			if name := n.ChildByFieldName("name"); name != nil {
				decl.name = name.Content(src)
			}
			if supers := n.ChildByFieldName("superclasses"); supers != nil {
				for i := 0; i < int(supers.NamedChildCount()); i++ {
					arg := supers.NamedChild(i)
					switch arg.Type() {
					case "identifier":
						decl.bases = append(decl.bases, arg.Content(src))
					case "attribute":
						if attr := arg.ChildByFieldName("attribute"); attr != nil {
							decl.bases = append(decl.bases, attr.Content(src))
						}
					}
				}
			}
			if decl.name != "" {
				out = append(out, decl)
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(tree.RootNode())
	return out, nil
}

var classPattern = regexp.MustCompile(`class\s+(\w+)\s*\(([^)]*)\)`)

// sceneClassesRegexp is the fallback when the parser is unavailable.
func sceneClassesRegexp(source string) []classDecl {
	var out []classDecl
	for _, m := range classPattern.FindAllStringSubmatch(source, -1) {
		decl := classDecl{name: m[1]}
		for _, b := range strings.Split(m[2], ",") {
			b = strings.TrimSpace(b)
			if i := strings.LastIndex(b, "."); i >= 0 {
				b = b[i+1:]
			}
			if b != "" && !strings.Contains(b, "=") {
				decl.bases = append(decl.bases, b)
			}
		}
		out = append(out, decl)
	}
	return out
}

// SyntaxCheck reports parse errors in Python source, one line per error
// with its 1-based position. An empty result means the source parsed.
func SyntaxCheck(ctx context.Context, source string) []string {
	src := []byte(source)
	parser := newPythonParser()
	defer parser.Close()
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return nil
	}

	var problems []string
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if len(problems) >= 10 {
			return
		}
		if n.IsError() || n.IsMissing() {
			p := n.StartPoint()
			kind := "unexpected syntax"
			if n.IsMissing() {
				kind = "missing " + n.Type()
			}
			snippet := strings.TrimSpace(n.Content(src))
			if len(snippet) > 60 {
				snippet = snippet[:60] + "..."
			}
			problems = append(problems, fmt.Sprintf("line %d col %d: %s %q", p.Row+1, p.Column+1, kind, snippet))
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(root)
	if len(problems) == 0 {
		problems = append(problems, "source contains syntax errors")
	}
	return problems
}
