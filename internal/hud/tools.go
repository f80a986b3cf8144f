package hud

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/MrWong99/jaga/internal/evidence"
	"github.com/MrWong99/jaga/pkg/live"
)

// Tool names understood by the [Dispatcher].
const (
	ToolDrawARMarker       = "draw_ar_marker"
	ToolHolographicOverlay = "holographic_overlay"
	ToolLogEvidence        = "log_evidence"
)

// Overlay severities.
var severities = []any{"LOW", "MEDIUM", "HIGH", "CRITICAL"}

// DefaultSeverity is shown for overlays whose severity is missing or unknown.
const DefaultSeverity = "MEDIUM"

func markerSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "object",
		Description: "Highlight a specific area on the user screen with an AR box.",
		Properties: map[string]*jsonschema.Schema{
			"target": {
				Type:        "string",
				Description: "The entity to highlight (e.g. license_plate, body_damage, witness, road_tax).",
			},
			"label": {
				Type:        "string",
				Description: "A short label to show next to the marker.",
			},
			"rotation": {
				Type:        "number",
				Description: "Optional rotation of the marker in degrees.",
			},
		},
		Required: []string{"target", "label"},
	}
}

func overlaySchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "object",
		Description: "Show a holographic data panel with key facts.",
		Properties: map[string]*jsonschema.Schema{
			"title": {Type: "string", Description: "Panel heading."},
			"data_points": {
				Type:        "array",
				Description: "Short facts shown as bullet points.",
				Items:       &jsonschema.Schema{Type: "string"},
			},
			"severity": {
				Type:        "string",
				Description: "How urgent the information is.",
				Enum:        severities,
			},
		},
		Required: []string{"title", "data_points", "severity"},
	}
}

func evidenceSchema() *jsonschema.Schema {
	cats := make([]any, 0, len(evidence.Categories()))
	for _, c := range evidence.Categories() {
		cats = append(cats, string(c))
	}
	return &jsonschema.Schema{
		Type:        "object",
		Description: "Record a piece of evidence for the incident report.",
		Properties: map[string]*jsonschema.Schema{
			"category": {
				Type:        "string",
				Description: "Evidence category. Unknown values are filed as OTHER.",
				Examples:    cats,
			},
			"value":   {Type: "string", Description: "The captured fact, e.g. a plate number."},
			"details": {Type: "string", Description: "Optional free-form context."},
		},
		Required: []string{"category", "value"},
	}
}

// tool couples a declaration with its resolved argument schema.
type tool struct {
	decl     live.ToolDeclaration
	resolved *jsonschema.Resolved
}

func mustTool(name, desc string, schema *jsonschema.Schema) tool {
	rs, err := schema.Resolve(nil)
	if err != nil {
		panic(fmt.Sprintf("hud: resolve %s schema: %v", name, err))
	}
	return tool{
		decl:     live.ToolDeclaration{Name: name, Description: desc, Parameters: schema},
		resolved: rs,
	}
}

func builtinTools() map[string]tool {
	return map[string]tool{
		ToolDrawARMarker: mustTool(ToolDrawARMarker,
			"Highlight a target in the camera feed with an AR marker.", markerSchema()),
		ToolHolographicOverlay: mustTool(ToolHolographicOverlay,
			"Show a data panel on the HUD.", overlaySchema()),
		ToolLogEvidence: mustTool(ToolLogEvidence,
			"Log a piece of evidence for the incident report.", evidenceSchema()),
	}
}

// Declarations returns the tool declarations to register with the live
// model, in a stable order.
func Declarations() []live.ToolDeclaration {
	tools := builtinTools()
	return []live.ToolDeclaration{
		tools[ToolDrawARMarker].decl,
		tools[ToolHolographicOverlay].decl,
		tools[ToolLogEvidence].decl,
	}
}
