package functions

import "log/slog"

// IntentHandlers builds the fallback handler for a function name of the
// given intent.
type IntentHandlers interface {
	ForIntent(intent Intent, name string) Handler
}

// Router resolves every name: known handlers first, then the generic handler
// for the name's classified intent.
type Router struct {
	known   Map
	generic IntentHandlers
}

func NewRouter(known Map, generic IntentHandlers) *Router {
	if known == nil {
		known = Map{}
	}
	return &Router{known: known, generic: generic}
}

func (r *Router) Resolve(name string) (Handler, bool) {
	if h, ok := r.known.Resolve(name); ok {
		return h, true
	}
	if r.generic == nil {
		return nil, false
	}
	intent := ClassifyIntent(name)
	slog.Debug("function_routed_by_intent", slog.String("function", name), slog.String("intent", string(intent)))
	return r.generic.ForIntent(intent, name), true
}

// Known returns the names resolved without intent routing.
func (r *Router) Known() []string {
	out := make([]string, 0, len(r.known))
	for name := range r.known {
		out = append(out, name)
	}
	return out
}
