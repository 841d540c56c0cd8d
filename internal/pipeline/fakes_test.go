package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zulandar/mathreel/internal/artifact"
	"github.com/zulandar/mathreel/internal/db"
	"github.com/zulandar/mathreel/internal/generate"
	"github.com/zulandar/mathreel/internal/render"
	"github.com/zulandar/mathreel/internal/review"
)

var pngImage = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)

const sceneCode = "from manim import *\n\nclass EducationalScene(Scene):\n    def construct(self):\n        self.wait()\n"

// fakeGen answers every stage with canned text unless an error or a queued
// response is set for it.
type fakeGen struct {
	mu        sync.Mutex
	calls     []generate.Request
	errs      map[generate.StageKind]error
	responses map[generate.StageKind][]string
}

func newFakeGen() *fakeGen {
	return &fakeGen{
		errs:      map[generate.StageKind]error{},
		responses: map[generate.StageKind][]string{},
	}
}

func (f *fakeGen) Generate(_ context.Context, req generate.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if err := f.errs[req.Kind]; err != nil {
		return "", err
	}
	if q := f.responses[req.Kind]; len(q) > 0 {
		f.responses[req.Kind] = q[1:]
		return q[0], nil
	}
	switch req.Kind {
	case generate.StageAnalysis:
		return "The image shows the equation x^2 = 4.", nil
	case generate.StageScript:
		return "We solve x^2 = 4 by taking square roots.", nil
	case generate.StageVisualPlan:
		return "Scene 1: write the equation. Scene 2: show both roots.", nil
	case generate.StageCodeFix:
		return "```python\n# fixed\n" + sceneCode + "```", nil
	case generate.StageCodeImprove:
		return "Here is the revision:\n```python\n# improved\n" + sceneCode + "```", nil
	default:
		return "```python\n" + sceneCode + "```", nil
	}
}

func (f *fakeGen) count(kind generate.StageKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

func (f *fakeGen) last(kind generate.StageKind) generate.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Kind == kind {
			return f.calls[i]
		}
	}
	return generate.Request{}
}

// fakeRenderer pops outcomes in order, then repeats fallback.
type fakeRenderer struct {
	mu       sync.Mutex
	outcomes []bool
	fallback bool
	sources  []string
}

func (f *fakeRenderer) Render(_ context.Context, _, source string, _ render.Quality) (*render.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources = append(f.sources, source)
	ok := f.fallback
	if len(f.outcomes) > 0 {
		ok, f.outcomes = f.outcomes[0], f.outcomes[1:]
	}
	if !ok {
		return &render.Result{Stderr: "Traceback (most recent call last):\n  File \"scene.py\", line 3\nSyntaxError: invalid syntax"}, nil
	}
	return &render.Result{Video: []byte(fmt.Sprintf("mp4-%d", len(f.sources))), Scene: "EducationalScene"}, nil
}

func (f *fakeRenderer) renders() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sources)
}

// fakeReviewer returns queued scores, repeating the last one.
type fakeReviewer struct {
	mu     sync.Mutex
	scores []int
	err    error
	okFor  int // calls that succeed before err applies
	calls  int
}

func (f *fakeReviewer) Review(_ context.Context, req review.Request) (*review.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil && f.calls > f.okFor {
		return nil, f.err
	}
	if len(req.Video) == 0 {
		return nil, review.ErrEmptyVideo
	}
	score := f.scores[0]
	if len(f.scores) > 1 {
		f.scores = f.scores[1:]
	}
	text := fmt.Sprintf("SCORE: %d/100\n\nCRITICAL ISSUES:\n- None\n\nMAJOR ISSUES:\n- Labels overlap the axis\n\nSUMMARY: ok", score)
	return review.ParseVerdict(text, 90), nil
}

// failingStore breaks selected operations of a real store.
type failingStore struct {
	artifact.Store
	failRecord bool
	failPut    map[artifact.Kind]bool
}

var errDisk = errors.New("disk full")

func (s *failingStore) RecordStatus(ctx context.Context, id, status string, f artifact.Fields) error {
	if s.failRecord {
		return errDisk
	}
	return s.Store.RecordStatus(ctx, id, status, f)
}

func (s *failingStore) Put(ctx context.Context, id string, kind artifact.Kind, data []byte) (artifact.Ref, error) {
	if s.failPut[kind] {
		return "", errDisk
	}
	return s.Store.Put(ctx, id, kind, data)
}

func testStore(t *testing.T) *artifact.GormStore {
	t.Helper()
	gormDB, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gormDB))
	blobs, err := artifact.NewLocalBlobStore(t.TempDir(), "")
	require.NoError(t, err)
	return artifact.NewStore(gormDB, blobs)
}

type harness struct {
	store    artifact.Store
	gen      *fakeGen
	renderer *fakeRenderer
	reviewer *fakeReviewer
	orch     *Orchestrator
}

func newHarness(t *testing.T, store artifact.Store) *harness {
	t.Helper()
	if store == nil {
		store = testStore(t)
	}
	h := &harness{
		store:    store,
		gen:      newFakeGen(),
		renderer: &fakeRenderer{fallback: true},
		reviewer: &fakeReviewer{scores: []int{92}},
	}
	p := DefaultPolicy()
	p.RepairBackoff = 0
	orch, err := New(Deps{
		Store:     h.store,
		Generator: h.gen,
		Renderer:  h.renderer,
		Reviewer:  h.reviewer,
	}, p)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) intakeAndRun(t *testing.T) *Result {
	t.Helper()
	ctx := context.Background()
	s, err := h.orch.Intake(ctx, pngImage, "image/png", "")
	require.NoError(t, err)
	res, err := h.orch.Run(ctx, s.ID)
	require.NoError(t, err)
	return res
}
