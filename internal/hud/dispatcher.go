package hud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/MrWong99/jaga/internal/evidence"
	"github.com/MrWong99/jaga/pkg/live"
)

// Sentinel errors returned by [Dispatcher.Dispatch] after the call has been
// acknowledged.
var (
	ErrUnknownTool = errors.New("hud: unknown tool")
	ErrInvalidArgs = errors.New("hud: invalid tool arguments")
)

// Result values sent back to the model.
const (
	ResultOK        = "ok"
	ResultUnhandled = "unhandled"
)

// OutcomeWarning is reported to the result hook for calls that were
// acknowledged as ok but whose arguments were only partly usable.
const OutcomeWarning = "warning"

// Responder delivers tool responses to the model. *live.Channel satisfies
// it.
type Responder interface {
	SendToolResponse(ctx context.Context, resp live.ToolResponse) error
}

var _ Responder = (*live.Channel)(nil)

// DispatcherOption configures a [Dispatcher].
type DispatcherOption func(*Dispatcher)

// WithResultHook registers fn to be called with the tool name and outcome of
// every dispatched call: [ResultOK], [OutcomeWarning] or [ResultUnhandled].
func WithResultHook(fn func(name, outcome string)) DispatcherOption {
	return func(d *Dispatcher) { d.onResult = fn }
}

// Dispatcher routes tool calls to a [State] and acknowledges each of them
// exactly once.
type Dispatcher struct {
	state    *State
	resp     Responder
	tools    map[string]tool
	onResult func(name, result string)
}

// NewDispatcher creates a Dispatcher for state that acknowledges through
// resp.
func NewDispatcher(state *State, resp Responder, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		state: state,
		resp:  resp,
		tools: builtinTools(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch applies req and sends exactly one response carrying req.ID.
//
// Known tools are always acknowledged with [ResultOK]. Arguments that do not
// match the declared schema are applied as far as they can be, and the ack
// carries a "warning" describing what was ignored. Unknown tools are
// acknowledged with [ResultUnhandled].
//
// The returned error is non-nil if the response could not be sent, or
// wraps [ErrUnknownTool] or [ErrInvalidArgs] when the call was not applied
// as given.
func (d *Dispatcher) Dispatch(ctx context.Context, req live.ToolCallRequest) error {
	result, callErr := d.apply(req)
	if d.onResult != nil {
		outcome := fmt.Sprint(result["result"])
		if _, ok := result["warning"]; ok {
			outcome = OutcomeWarning
		}
		d.onResult(req.Name, outcome)
	}

	sendErr := d.resp.SendToolResponse(ctx, live.ToolResponse{
		ID:     req.ID,
		Name:   req.Name,
		Result: result,
	})
	if sendErr != nil {
		sendErr = fmt.Errorf("hud: ack %s %s: %w", req.Name, req.ID, sendErr)
	}
	return errors.Join(callErr, sendErr)
}

func (d *Dispatcher) apply(req live.ToolCallRequest) (map[string]any, error) {
	t, ok := d.tools[req.Name]
	if !ok {
		slog.Warn("hud: unhandled tool call", "tool", req.Name, "id", req.ID)
		return map[string]any{"result": ResultUnhandled}, fmt.Errorf("%w: %q", ErrUnknownTool, req.Name)
	}

	args := normaliseArgs(req.Args)
	var problems []error
	if err := t.resolved.Validate(args); err != nil {
		problems = append(problems, err)
	}
	result := map[string]any{"result": ResultOK}

	switch req.Name {
	case ToolDrawARMarker:
		m := Marker{Target: stringArg(args, "target"), Label: stringArg(args, "label")}
		if r, ok := args["rotation"].(float64); ok {
			m.Rotation = &r
		}
		if m.Target == "" {
			problems = append(problems, errors.New("no target, marker not drawn"))
			break
		}
		if m.Label == "" {
			m.Label = m.Target
		}
		d.state.SetMarker(m)

	case ToolHolographicOverlay:
		o := Overlay{
			Title:      stringArg(args, "title"),
			DataPoints: listArg(args, "data_points"),
			Severity:   severityArg(args),
		}
		if o.Title == "" && len(o.DataPoints) == 0 {
			problems = append(problems, errors.New("no title or data points, overlay not shown"))
			break
		}
		d.state.SetOverlay(o)

	case ToolLogEvidence:
		rec, err := evidence.NewRecord(stringArg(args, "category"), stringArg(args, "value"),
			stringArg(args, "details"), d.state.clk.Now())
		if err == nil {
			err = d.state.LogEvidence(rec)
		}
		if err != nil {
			problems = append(problems, err)
			break
		}
		result["id"] = rec.ID.String()
	}

	if len(problems) == 0 {
		return result, nil
	}
	err := errors.Join(problems...)
	slog.Warn("hud: tool arguments partly ignored", "tool", req.Name, "id", req.ID, "err", err)
	result["warning"] = err.Error()
	return result, fmt.Errorf("%w: %s: %w", ErrInvalidArgs, req.Name, err)
}

// normaliseArgs returns a copy of args with enum-like strings upper-cased.
func normaliseArgs(args map[string]any) map[string]any {
	out := maps.Clone(args)
	if out == nil {
		out = map[string]any{}
	}
	if s, ok := out["severity"].(string); ok {
		out["severity"] = strings.ToUpper(strings.TrimSpace(s))
	}
	return out
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

// listArg accepts an array of values or a single string.
func listArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, p := range v {
			out = append(out, fmt.Sprint(p))
		}
		return out
	case []string:
		return v
	case string:
		if v = strings.TrimSpace(v); v != "" {
			return []string{v}
		}
	}
	return nil
}

// severityArg maps the severity argument onto a known level, falling back to
// [DefaultSeverity].
func severityArg(args map[string]any) string {
	s := stringArg(args, "severity")
	if slices.Contains(severities, any(s)) {
		return s
	}
	switch s {
	case "INFO", "MINOR":
		return "LOW"
	case "WARN", "WARNING":
		return "MEDIUM"
	case "SEVERE", "DANGER", "EMERGENCY":
		return "CRITICAL"
	}
	return DefaultSeverity
}
