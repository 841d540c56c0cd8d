package review

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

//go:embed rubric.txt
var defaultRubric string

// contentGenerator is the slice of the Gemini API we call. genai.Models
// satisfies it.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiOpts configures a GeminiReviewer.
type GeminiOpts struct {
	APIKey          string
	Model           string
	Threshold       int
	MaxVideoBytes   int64
	Timeout         time.Duration
	MaxOutputTokens int32
	Rubric          string // overrides the built-in rubric
	Logger          *slog.Logger
	Client          contentGenerator // for tests
}

// GeminiReviewer sends the whole video inline to a Gemini model along with
// a scoring rubric.
type GeminiReviewer struct {
	client    contentGenerator
	model     string
	threshold int
	maxBytes  int64
	timeout   time.Duration
	maxTokens int32
	rubric    string
	logger    *slog.Logger
}

// NewGeminiReviewer builds a reviewer. Without an injected client it
// connects with opts.APIKey.
func NewGeminiReviewer(ctx context.Context, opts GeminiOpts) (*GeminiReviewer, error) {
	client := opts.Client
	if client == nil {
		if opts.APIKey == "" {
			return nil, fmt.Errorf("review: api key is required")
		}
		gc, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  opts.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("review: create gemini client: %w", err)
		}
		client = gc.Models
	}
	r := &GeminiReviewer{
		client:    client,
		model:     opts.Model,
		threshold: opts.Threshold,
		maxBytes:  opts.MaxVideoBytes,
		timeout:   opts.Timeout,
		maxTokens: opts.MaxOutputTokens,
		rubric:    opts.Rubric,
		logger:    opts.Logger,
	}
	if r.model == "" {
		r.model = "gemini-2.0-flash"
	}
	if r.threshold == 0 {
		r.threshold = 90
	}
	if r.maxBytes == 0 {
		r.maxBytes = 20 * 1024 * 1024
	}
	if r.timeout == 0 {
		r.timeout = 90 * time.Second
	}
	if r.maxTokens == 0 {
		r.maxTokens = 8192
	}
	if r.rubric == "" {
		r.rubric = defaultRubric
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// Threshold returns the score below which a video needs improvement.
func (r *GeminiReviewer) Threshold() int {
	return r.threshold
}

// Review submits the video and parses the critique.
func (r *GeminiReviewer) Review(ctx context.Context, req Request) (*Verdict, error) {
	if len(req.Video) == 0 {
		return nil, ErrEmptyVideo
	}
	if int64(len(req.Video)) > r.maxBytes {
		return nil, fmt.Errorf("%w: %.1f MB > %.1f MB", ErrVideoTooLarge,
			float64(len(req.Video))/(1024*1024), float64(r.maxBytes)/(1024*1024))
	}

	prompt := r.rubric
	if s := strings.TrimSpace(req.Script); s != "" {
		prompt += "\n\nNARRATION THE VIDEO SHOULD FOLLOW:\n" + s
	}

	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: "video/mp4", Data: req.Video}},
			{Text: prompt},
		},
	}}
	cfg := &genai.GenerateContentConfig{MaxOutputTokens: r.maxTokens}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	resp, err := r.client.GenerateContent(ctx, r.model, contents, cfg)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("review: generate content: %w", err)
	}

	text := responseText(resp)
	if text == "" {
		reason := ""
		if resp != nil && resp.PromptFeedback != nil {
			reason = string(resp.PromptFeedback.BlockReason)
		}
		if reason != "" {
			return nil, fmt.Errorf("%w: blocked (%s)", ErrEmptyReview, reason)
		}
		return nil, ErrEmptyReview
	}

	v := ParseVerdict(text, r.threshold)
	v.Elapsed = elapsed
	r.logger.Info("review complete",
		"session", req.SessionID,
		"score", v.Score,
		"issues", v.Issues.Count(),
		"needs_improvement", v.NeedsImprovement,
		"elapsed", elapsed)
	return v, nil
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil && !p.Thought {
			b.WriteString(p.Text)
		}
	}
	return strings.TrimSpace(b.String())
}
