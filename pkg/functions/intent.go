package functions

import "strings"

type Intent string

const (
	IntentSearch   Intent = "search"
	IntentBook     Intent = "book"
	IntentOrder    Intent = "order"
	IntentInfo     Intent = "info"
	IntentTransfer Intent = "transfer"
	IntentEnd      Intent = "end"
)

// intentPatterns are checked in order; the first keyword contained in the
// function name wins.
var intentPatterns = []struct {
	intent   Intent
	keywords []string
}{
	{IntentSearch, []string{"get", "find", "search", "browse", "show", "list", "what", "menu", "item", "product", "service", "catalog", "available"}},
	{IntentBook, []string{"book", "reserve", "appointment", "schedule", "reservation"}},
	{IntentOrder, []string{"order", "place", "buy", "purchase", "add", "cart"}},
	{IntentInfo, []string{"info", "hour", "location", "contact", "policy", "about", "address", "phone"}},
	{IntentTransfer, []string{"transfer", "agent", "human", "speak", "escalate", "help"}},
	{IntentEnd, []string{"end", "hangup", "goodbye", "bye", "terminate", "close"}},
}

// ClassifyIntent guesses what an unknown function is for from its name.
// Names matching nothing are treated as searches.
func ClassifyIntent(name string) Intent {
	lower := strings.ToLower(name)
	for _, p := range intentPatterns {
		for _, kw := range p.keywords {
			if strings.Contains(lower, kw) {
				return p.intent
			}
		}
	}
	return IntentSearch
}
