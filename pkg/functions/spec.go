package functions

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/harunnryd/callbridge/pkg/agent"
)

// Spec is an organization-specific function definition served by the
// control plane.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     HandlerSpec    `json:"handler"`
}

// HandlerSpec says how a Spec is executed: "builtin:<name>", "builtin" with
// a Target, or "webhook" with a URL.
type HandlerSpec struct {
	Type   string `json:"type"`
	Target string `json:"target,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Build turns specs into handlers and agent definitions. Specs naming an
// unknown builtin or lacking a webhook URL are routed by intent.
func Build(specs []Spec, generic *Generic, client *http.Client) (Map, []agent.Function) {
	var builtins Map
	if generic != nil {
		builtins = generic.Map()
	}
	known := make(Map, len(specs))
	defs := make([]agent.Function, 0, len(specs))
	for _, s := range specs {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			continue
		}
		defs = append(defs, agent.Function{Name: name, Description: s.Description, Parameters: s.Parameters})

		kind, target, _ := strings.Cut(strings.TrimSpace(s.Handler.Type), ":")
		if s.Handler.Target != "" {
			target = s.Handler.Target
		}
		switch strings.ToLower(kind) {
		case "builtin":
			if target == "" {
				target = name
			}
			if h, ok := builtins[target]; ok {
				known[name] = h
				continue
			}
		case "webhook":
			if s.Handler.URL != "" {
				known[name] = Webhook(client, s.Handler.URL)
				continue
			}
		}
		if h, ok := builtins[name]; ok {
			known[name] = h
			continue
		}
		if generic != nil {
			known[name] = generic.ForIntent(ClassifyIntent(name), name)
			continue
		}
		slog.Warn("function_without_handler", slog.String("function", name), slog.String("handler", s.Handler.Type))
	}
	return known, defs
}

// Definitions describes the generic functions to the agent.
func Definitions() []agent.Function {
	str := func(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }
	obj := func(required []string, props map[string]any) map[string]any {
		out := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			out["required"] = required
		}
		return out
	}
	return []agent.Function{
		{
			Name:        "search_items",
			Description: "Search the business catalog for items, products or services and their prices.",
			Parameters:  obj([]string{"query"}, map[string]any{"query": str("What the caller is looking for")}),
		},
		{
			Name:        "get_business_info",
			Description: "Get business information such as hours, location or contact details.",
			Parameters:  obj([]string{"info_type"}, map[string]any{"info_type": str("hours, location, contact or general")}),
		},
		{
			Name:        "lookup_info",
			Description: "Look up any other information in the business knowledge base.",
			Parameters:  obj([]string{"query"}, map[string]any{"query": str("The question to look up")}),
		},
		{
			Name:        "place_order",
			Description: "Place an order for the caller once they have confirmed the items.",
			Parameters: obj([]string{"customer_name", "items"}, map[string]any{
				"customer_name": str("Caller's name"),
				"items":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Item names"},
			}),
		},
		{
			Name:        "lookup_order",
			Description: "Look up an existing order by its number.",
			Parameters:  obj([]string{"order_id"}, map[string]any{"order_id": str("Order number")}),
		},
		{
			Name:        "make_appointment",
			Description: "Book an appointment or reservation.",
			Parameters: obj([]string{"customer_name", "date", "time"}, map[string]any{
				"customer_name": str("Caller's name"),
				"date":          str("Date of the appointment"),
				"time":          str("Time of the appointment"),
				"details":       str("Party size, service or notes"),
			}),
		},
		{
			Name:        "end_call",
			Description: "End the call after saying goodbye, once the caller has nothing else.",
			Parameters:  obj(nil, map[string]any{"reason": str("Why the call is ending")}),
		},
		{
			Name:        "transfer_call",
			Description: "Transfer the caller to a human.",
			Parameters:  obj(nil, map[string]any{"reason": str("Why the caller wants a human")}),
		},
	}
}
