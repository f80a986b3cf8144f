package analyze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"

	"github.com/MrWong99/jaga/internal/observe"
	"github.com/MrWong99/jaga/internal/resilience"
	"github.com/MrWong99/jaga/pkg/live"
)

// Default instructions used when [Config.Prompts] leaves them empty.
const (
	DefaultMechanicPrompt = "You are an expert car mechanic. Listen to the engine recording and name the most " +
		"likely mechanical failure. If a repair quote image is attached, judge whether it is inflated."
	DefaultScepticPrompt = "You are a sceptical used-car inspector. Read the listing and flag anything that " +
		"suggests hidden damage, odometer fraud or a lemon."
)

// Prompts holds the system instructions for both analyzers.
type Prompts struct {
	Mechanic string
	Sceptic  string
}

// Config configures a [Client].
type Config struct {
	// APIKey authenticates against the Gemini API. Required.
	APIKey string

	// BaseURL overrides the API endpoint. Used by tests.
	BaseURL string

	// HTTPClient overrides the HTTP client.
	HTTPClient *http.Client

	// Models are tried in order. Default: [DefaultModels].
	Models []string

	// Retry governs rate-limit retries per model. Default:
	// [live.DefaultRetryPolicy].
	Retry live.RetryPolicy

	// Breaker is the per-model circuit breaker template.
	Breaker resilience.BreakerConfig

	Prompts Prompts
}

// Option configures optional [Client] behaviour.
type Option func(*Client)

// WithMetrics records analyzer metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client runs Mechanic and Sceptic analyses.
type Client struct {
	gc      *genai.Client
	models  *resilience.Chain[string]
	retry   live.RetryPolicy
	prompts Prompts
	metrics *observe.Metrics
}

// New creates a Client.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("analyze: api key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	gc, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("analyze: create client: %w", err)
	}

	models := cfg.Models
	if len(models) == 0 {
		models = DefaultModels
	}
	if cfg.Prompts.Mechanic == "" {
		cfg.Prompts.Mechanic = DefaultMechanicPrompt
	}
	if cfg.Prompts.Sceptic == "" {
		cfg.Prompts.Sceptic = DefaultScepticPrompt
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = live.DefaultRetryPolicy()
	}

	c := &Client{
		gc:      gc,
		retry:   retry,
		prompts: cfg.Prompts,
	}
	for _, o := range opts {
		o(c)
	}

	breaker := cfg.Breaker
	next := breaker.OnStateChange
	breaker.OnStateChange = func(model string, from, to resilience.State) {
		if c.metrics != nil {
			c.metrics.RecordBreakerTransition(context.Background(), model, to.String())
		}
		if next != nil {
			next(model, from, to)
		}
	}
	c.models = resilience.NewChain[string](resilience.ChainConfig{
		Breaker:        breaker,
		ShouldFallback: shouldFallback,
	})
	for _, m := range models {
		c.models.Add(m, m)
	}
	return c, nil
}

// Models returns the model names in the order they are tried.
func (c *Client) Models() []string { return c.models.Names() }

// Diagnose analyses an engine recording.
func (c *Client) Diagnose(ctx context.Context, in MechanicInput) (Diagnosis, error) {
	if len(in.Audio) == 0 {
		return Diagnosis{}, ErrEmptyInput
	}
	mime := in.AudioMIME
	if mime == "" {
		mime = "audio/webm"
	}
	parts := []*genai.Part{
		genai.NewPartFromBytes(in.Audio, mime),
		genai.NewPartFromText("Analyze for mechanical failure."),
	}
	if len(in.QuoteImage) > 0 {
		qm := in.QuoteMIME
		if qm == "" {
			qm = "image/jpeg"
		}
		parts = append(parts,
			genai.NewPartFromText("Repair quote:"),
			genai.NewPartFromBytes(in.QuoteImage, qm),
		)
	}

	var d Diagnosis
	err := c.generate(ctx, "mechanic", c.prompts.Mechanic, parts, diagnosisSchema(), func(raw string) error {
		d = Diagnosis{}
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return fmt.Errorf("%w: %w", ErrBadResponse, err)
		}
		return d.normalise()
	})
	return d, err
}

// Vet analyses a used-car listing.
func (c *Client) Vet(ctx context.Context, listing string) (Vetting, error) {
	listing = strings.TrimSpace(listing)
	if listing == "" {
		return Vetting{}, ErrEmptyInput
	}
	parts := []*genai.Part{genai.NewPartFromText("Analyze listing: " + listing)}

	var v Vetting
	err := c.generate(ctx, "sceptic", c.prompts.Sceptic, parts, vettingSchema(), func(raw string) error {
		v = Vetting{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return fmt.Errorf("%w: %w", ErrBadResponse, err)
		}
		return v.normalise()
	})
	return v, err
}

// generate runs one request through the model fallback chain. decode parses
// the JSON text of a successful response; a decode error moves on to the
// next model.
func (c *Client) generate(ctx context.Context, kind, instruction string, parts []*genai.Part, schema *genai.Schema, decode func(string) error) error {
	ctx, span := observe.StartSpan(ctx, "analyze."+kind, trace.WithAttributes(attribute.String("analyze.kind", kind)))
	defer span.End()

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(instruction, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    schema,
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	err := c.models.Do(ctx, func(ctx context.Context, model string) error {
		start := time.Now()
		err := c.retry.Do(ctx, func(ctx context.Context) error {
			resp, err := c.gc.Models.GenerateContent(ctx, model, contents, cfg)
			if err != nil {
				return classify(err)
			}
			return decode(resp.Text())
		}, func(attempt int, wait time.Duration) {
			observe.Logger(ctx).Info("analyze: rate limited, retrying",
				"kind", kind, "model", model, "attempt", attempt, "wait", wait)
			if c.metrics != nil {
				c.metrics.RecordRetry(ctx, "analyze")
			}
		})
		if c.metrics != nil {
			status := "ok"
			if err != nil {
				status = "error"
			}
			c.metrics.RecordAnalyzerRequest(ctx, kind, model, status, time.Since(start).Seconds())
		}
		if err == nil {
			span.SetAttributes(attribute.String("analyze.model", model))
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("analyze: %s: %w", kind, err)
	}
	return nil
}

// classify maps quota errors to [live.ErrRateLimited].
func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && isQuota(apiErr.Code, apiErr.Status) {
		return fmt.Errorf("%w: %s", live.ErrRateLimited, apiErr.Message)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && isQuota(apiErrPtr.Code, apiErrPtr.Status) {
		return fmt.Errorf("%w: %s", live.ErrRateLimited, apiErrPtr.Message)
	}
	return err
}

func isQuota(code int, status string) bool {
	return code == http.StatusTooManyRequests || strings.EqualFold(status, "RESOURCE_EXHAUSTED")
}

// shouldFallback keeps trying other models unless the caller gave up or the
// input itself was rejected.
func shouldFallback(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest {
		return false
	}
	return true
}
