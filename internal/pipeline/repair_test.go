package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/mathreel/internal/generate"
	"github.com/zulandar/mathreel/internal/review"
)

func newLoop(r *fakeRenderer, g *fakeGen, max int) (*RepairLoop, *[]time.Duration) {
	var slept []time.Duration
	l := &RepairLoop{
		Renderer:   r,
		Generator:  g,
		MaxRepairs: max,
		Backoff:    2 * time.Second,
		sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}
	return l, &slept
}

func TestRepairLoop_BackoffAndPersist(t *testing.T) {
	r := &fakeRenderer{outcomes: []bool{false, false, true}}
	l, slept := newLoop(r, newFakeGen(), 3)

	var persisted []int
	out, err := l.Run(context.Background(), RepairInput{
		SessionID: "s1",
		Code:      sceneCode,
		Persist: func(_ context.Context, code string, n int) error {
			assert.Contains(t, code, "# Regenerated Manim code for session: s1")
			persisted = append(persisted, n)
			return nil
		},
	})
	require.NoError(t, err)
	assert.True(t, out.OK())
	assert.Equal(t, 2, out.Repairs)
	assert.Equal(t, 3, out.Renders)
	assert.Empty(t, out.LastError)
	assert.Equal(t, []int{1, 2}, persisted)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, *slept)
}

func TestRepairLoop_ZeroBudget(t *testing.T) {
	r := &fakeRenderer{}
	g := newFakeGen()
	l, slept := newLoop(r, g, 0)

	out, err := l.Run(context.Background(), RepairInput{SessionID: "s1", Code: sceneCode})
	require.NoError(t, err)
	assert.False(t, out.OK())
	assert.Equal(t, 1, out.Renders)
	assert.Zero(t, out.Repairs)
	assert.Contains(t, out.LastError, "SyntaxError")
	assert.Zero(t, g.count(generate.StageCodeFix))
	assert.Empty(t, *slept)
}

func TestRepairLoop_PersistErrorIgnored(t *testing.T) {
	r := &fakeRenderer{outcomes: []bool{false, true}}
	l, _ := newLoop(r, newFakeGen(), 3)

	out, err := l.Run(context.Background(), RepairInput{
		SessionID: "s1",
		Code:      sceneCode,
		Persist:   func(context.Context, string, int) error { return errDisk },
	})
	require.NoError(t, err)
	assert.True(t, out.OK())
}

func TestRepairLoop_CanceledDuringBackoff(t *testing.T) {
	r := &fakeRenderer{}
	l := &RepairLoop{Renderer: r, Generator: newFakeGen(), MaxRepairs: 3, Backoff: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	var events []string
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	out, err := l.Run(ctx, RepairInput{
		SessionID: "s1",
		Code:      sceneCode,
		OnEvent:   func(kind string, _ int, _ string) { events = append(events, kind) },
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, out.Renders)
	assert.Equal(t, []string{EventRenderAttempt, EventRepair}, events)
}

func TestRepairLoop_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := &fakeRenderer{outcomes: []bool{false, true}}
	l, _ := newLoop(r, newFakeGen(), 3)
	l.Metrics = m

	_, err := l.Run(context.Background(), RepairInput{SessionID: "s1", Phase: "render", Code: sceneCode})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.renderAttempts.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.renderAttempts.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.repairs.WithLabelValues("render")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.renderAttempt(true)
	m.repair("render")
	m.improvement("success")
	m.score(50)
	m.terminal(StatusDone)
	m.storageError("put")
	m.observeStage("analysis", "ok", 1)
}

func TestImprovementLoop_Allowed(t *testing.T) {
	l := &ImprovementLoop{MaxImprovements: 1}
	low := &review.Verdict{Score: 60, NeedsImprovement: true}
	high := &review.Verdict{Score: 95}

	assert.True(t, l.Allowed(0, low))
	assert.False(t, l.Allowed(1, low))
	assert.False(t, l.Allowed(0, high))
	assert.False(t, l.Allowed(0, nil))

	disabled := &ImprovementLoop{MaxImprovements: 0}
	assert.False(t, disabled.Allowed(0, low))
}

func TestImprovementLoop_GenerationFailure(t *testing.T) {
	g := newFakeGen()
	g.errs[generate.StageCodeImprove] = errors.New("boom")
	r := &fakeRenderer{fallback: true}
	rl, _ := newLoop(r, g, 3)
	l := &ImprovementLoop{Generator: g, Repair: rl, MaxImprovements: 1}

	out, err := l.Run(context.Background(), ImprovementInput{
		SessionID: "s1",
		Code:      sceneCode,
		Verdict:   &review.Verdict{Score: 50, NeedsImprovement: true},
	})
	require.NoError(t, err)
	var gf *GenerationFailure
	require.True(t, errors.As(out.Err, &gf))
	assert.Equal(t, generate.StageCodeImprove, gf.Stage)
	assert.Zero(t, r.renders())
}

func TestImprovementLoop_Success(t *testing.T) {
	g := newFakeGen()
	r := &fakeRenderer{fallback: true}
	rl, _ := newLoop(r, g, 3)
	l := &ImprovementLoop{Generator: g, Repair: rl, MaxImprovements: 1}

	var candidate string
	out, err := l.Run(context.Background(), ImprovementInput{
		SessionID:        "s1",
		Code:             sceneCode,
		Verdict:          &review.Verdict{Score: 70, RawText: "SCORE: 70/100", NeedsImprovement: true},
		PersistCandidate: func(_ context.Context, code string) error { candidate = code; return nil },
	})
	require.NoError(t, err)
	require.NoError(t, out.Err)
	assert.NotEmpty(t, out.Video)
	assert.Equal(t, candidate, out.Code)
	assert.Contains(t, candidate, "# Revised after review (score: 70/100)")
}
