package functions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/harunnryd/callbridge/pkg/knowledge"
	"github.com/harunnryd/callbridge/pkg/logging"
)

// Knowledge is the search surface generic functions are backed by.
type Knowledge interface {
	Search(ctx context.Context, orgID, query string, limit int) ([]knowledge.Result, error)
}

// Generic implements domain-agnostic functions for one organization on top
// of its knowledge base and the shared order and appointment stores.
type Generic struct {
	orgID        string
	kb           Knowledge
	orders       *OrderStore
	appointments *AppointmentStore
	logger       *slog.Logger
}

func NewGeneric(orgID string, kb Knowledge, orders *OrderStore, appointments *AppointmentStore) *Generic {
	if orders == nil {
		orders = NewOrderStore()
	}
	if appointments == nil {
		appointments = NewAppointmentStore()
	}
	return &Generic{
		orgID:        orgID,
		kb:           kb,
		orders:       orders,
		appointments: appointments,
		logger:       logging.NewComponentLogger(nil, "generic_functions"),
	}
}

// Map returns the generic functions by name.
func (g *Generic) Map() Map {
	return Map{
		"search_items": HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
			return g.SearchItems(ctx, argString(args, "query"))
		}),
		"get_business_info": HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
			return g.BusinessInfo(ctx, argString(args, "info_type", "type"))
		}),
		"lookup_info": HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
			return g.LookupInfo(ctx, argString(args, "query"))
		}),
		"place_order": HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
			return g.PlaceOrder(ctx, argString(args, "customer_name", "name"), argList(args, "items", "item"))
		}),
		"lookup_order": Blocking(func(args map[string]any) (any, error) {
			return g.LookupOrder(argString(args, "order_id", "id")), nil
		}),
		"make_appointment": Blocking(func(args map[string]any) (any, error) {
			return g.MakeAppointment(argString(args, "customer_name", "name"), argString(args, "date"), argString(args, "time"), argString(args, "details")), nil
		}),
		"end_call": Blocking(func(args map[string]any) (any, error) {
			return EndCall(orDefault(argString(args, "reason"), "User request")), nil
		}),
		"transfer_call": Blocking(func(args map[string]any) (any, error) {
			return EndCall("Transfer: " + orDefault(argString(args, "reason"), "User requested transfer")), nil
		}),
	}
}

// ForIntent adapts the arguments of an arbitrarily named function to the
// generic function serving its intent.
func (g *Generic) ForIntent(intent Intent, name string) Handler {
	lower := strings.ToLower(name)
	return HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
		customer := orDefault(argString(args, "customer_name", "name", "customer"), "Guest")
		switch intent {
		case IntentBook:
			return g.MakeAppointment(customer,
				orDefault(argString(args, "date", "appointment_date"), "today"),
				argString(args, "time", "appointment_time"),
				argString(args, "details", "notes", "service")), nil
		case IntentOrder:
			return g.PlaceOrder(ctx, customer, argList(args, "items", "item", "order"))
		case IntentInfo:
			infoType := orDefault(argString(args, "info_type", "type"), "general")
			switch {
			case strings.Contains(lower, "hour"):
				infoType = "hours"
			case strings.Contains(lower, "location"), strings.Contains(lower, "address"):
				infoType = "location"
			case strings.Contains(lower, "contact"), strings.Contains(lower, "phone"):
				infoType = "contact"
			}
			return g.BusinessInfo(ctx, infoType)
		case IntentTransfer:
			return EndCall("Transfer: " + orDefault(argString(args, "reason"), "User requested transfer")), nil
		case IntentEnd:
			return EndCall(orDefault(argString(args, "reason"), "Call ended")), nil
		default:
			query := argString(args, "query", "category", "search", "item")
			return g.SearchItems(ctx, orDefault(query, "menu"))
		}
	})
}

var errNoKnowledge = errors.New("knowledge search not configured")

func (g *Generic) search(ctx context.Context, query string, limit int) ([]knowledge.Result, error) {
	if g.kb == nil {
		return nil, errNoKnowledge
	}
	return g.kb.Search(ctx, g.orgID, query, limit)
}

func (g *Generic) SearchItems(ctx context.Context, query string) (map[string]any, error) {
	query = orDefault(query, "menu")
	results, err := g.search(ctx, query, 10)
	if err != nil {
		g.logger.Warn("search_items_failed", slog.String("org_id", g.orgID), slog.String("error", err.Error()))
		return map[string]any{
			"error":   err.Error(),
			"message": "I'm having trouble searching right now. Can you try again?",
		}, nil
	}
	if len(results) == 0 {
		return map[string]any{
			"error":   fmt.Sprintf("No items found matching '%s'", query),
			"message": "I couldn't find that item. Would you like to hear our categories?",
		}, nil
	}
	items := make([]Item, 0, len(results))
	for _, r := range results {
		items = append(items, ParseItem(r.Content))
	}
	if len(items) == 1 {
		it := items[0]
		return map[string]any{
			"name":        it.Name,
			"price":       money(it.Price),
			"description": it.Description,
			"category":    it.Category,
			"message":     fmt.Sprintf("%s is %s. %s", it.Name, money(it.Price), it.Description),
		}, nil
	}
	if len(items) > 4 {
		items = items[:4]
	}
	summary := make([]string, len(items))
	for i, it := range items {
		summary[i] = fmt.Sprintf("%s (%s)", it.Name, money(it.Price))
	}
	return map[string]any{
		"count":   len(results),
		"items":   items,
		"message": fmt.Sprintf("Found %d items: %s", len(results), strings.Join(summary, ", ")),
	}, nil
}

func (g *Generic) BusinessInfo(ctx context.Context, infoType string) (map[string]any, error) {
	infoType = orDefault(infoType, "general")
	answer, err := g.answer(ctx, "business "+infoType)
	if err != nil {
		return map[string]any{"error": err.Error()}, nil
	}
	if answer == "" {
		return map[string]any{"message": "I don't have that specific information available."}, nil
	}
	return map[string]any{"found": true, "info_type": infoType, "info": answer, "message": answer}, nil
}

func (g *Generic) LookupInfo(ctx context.Context, query string) (map[string]any, error) {
	answer, err := g.answer(ctx, query)
	if err != nil {
		return map[string]any{
			"error":   err.Error(),
			"message": "I'm having trouble looking that up. Please try again.",
		}, nil
	}
	if answer == "" {
		return map[string]any{
			"found":   false,
			"message": fmt.Sprintf("I don't have specific information about %s. Would you like me to help with something else?", query),
		}, nil
	}
	return map[string]any{"found": true, "info": answer, "message": answer}, nil
}

// answer joins the top two knowledge matches, capped for speech.
func (g *Generic) answer(ctx context.Context, query string) (string, error) {
	results, err := g.search(ctx, query, 3)
	if err != nil {
		return "", err
	}
	var texts []string
	for i, r := range results {
		if i == 2 {
			break
		}
		text := r.Content
		if strings.Contains(text, " | ") {
			if it := ParseItem(text); it.Description != "" {
				text = it.Description
			}
		}
		texts = append(texts, text)
	}
	combined := strings.Join(texts, " ")
	if r := []rune(combined); len(r) > 500 {
		combined = string(r[:500])
	}
	return combined, nil
}

func (g *Generic) PlaceOrder(ctx context.Context, customer string, names []string) (map[string]any, error) {
	customer = orDefault(customer, "Guest")
	var (
		items    []Item
		total    float64
		notFound []string
	)
	for _, name := range names {
		results, err := g.search(ctx, name, 1)
		if err != nil || len(results) == 0 {
			notFound = append(notFound, name)
			continue
		}
		it := ParseItem(results[0].Content)
		items = append(items, Item{Name: it.Name, Price: it.Price})
		total += it.Price
	}
	if len(items) == 0 {
		return map[string]any{
			"error":     "No valid items found",
			"not_found": notFound,
			"message":   fmt.Sprintf("I couldn't find: %s. Please try again.", strings.Join(notFound, ", ")),
		}, nil
	}
	order := g.orders.Create(customer, items, total)
	out := map[string]any{
		"order_id": order.ID,
		"customer": customer,
		"items":    items,
		"total":    money(total),
		"status":   order.Status,
		"message":  fmt.Sprintf("Order #%s placed! Total: %s", order.ID, money(total)),
	}
	if len(notFound) > 0 {
		out["warnings"] = "Could not find: " + strings.Join(notFound, ", ")
	}
	g.logger.Info("order_placed", slog.String("org_id", g.orgID), slog.String("order_id", order.ID), slog.Int("items", len(items)))
	return out, nil
}

func (g *Generic) LookupOrder(id string) map[string]any {
	order, ok := g.orders.Get(id)
	if !ok {
		return map[string]any{
			"error":   fmt.Sprintf("Order #%s not found", id),
			"message": fmt.Sprintf("I couldn't find order number %s. Please check the number.", id),
		}
	}
	names := make([]string, len(order.Items))
	for i, it := range order.Items {
		names[i] = it.Name
	}
	return map[string]any{
		"order_id": order.ID,
		"customer": order.Customer,
		"items":    order.Items,
		"total":    money(order.Total),
		"status":   order.Status,
		"message":  fmt.Sprintf("Order #%s: %s. Total %s. Status: %s", order.ID, strings.Join(names, ", "), money(order.Total), order.Status),
	}
}

func (g *Generic) MakeAppointment(customer, date, at, details string) map[string]any {
	customer = orDefault(customer, "Guest")
	appt := g.appointments.Create(customer, date, at, details)
	msg := fmt.Sprintf("Reservation #%s confirmed for %s on %s at %s", appt.ID, customer, date, at)
	if details != "" {
		msg += " (" + details + ")"
	}
	return map[string]any{
		"appointment_id": appt.ID,
		"customer":       customer,
		"date":           date,
		"time":           at,
		"details":        details,
		"status":         appt.Status,
		"message":        msg,
	}
}

// EndCall is the result that asks the bridge to wind the call down.
func EndCall(reason string) map[string]any {
	return map[string]any{"action": ActionEndCall, "message": "Call ended", "reason": reason}
}

const ActionEndCall = "end_call"

var (
	fieldPattern = regexp.MustCompile(`\$?(\d+\.?\d*)`)
	costPattern  = regexp.MustCompile(`([A-Z][A-Za-z\s]+)\s+(?:costs?|is priced at|priced at)\s+\$?(\d+\.\d{2})`)
)

// ParseItem reads the enriched catalog format
// "Category: X | Name: Y | Price: $Z | Description: ..." and falls back to
// "<Name> costs $Z" prose.
func ParseItem(text string) Item {
	it := Item{Name: "Item"}
	if strings.Contains(text, " | ") || strings.Contains(text, ": ") {
		for _, part := range strings.Split(text, "|") {
			key, value, ok := strings.Cut(part, ":")
			if !ok {
				continue
			}
			value = strings.TrimSpace(value)
			switch strings.ToLower(strings.TrimSpace(key)) {
			case "name":
				it.Name = value
			case "category":
				it.Category = value
			case "description":
				it.Description = value
			case "price":
				if m := fieldPattern.FindStringSubmatch(value); m != nil {
					it.Price, _ = strconv.ParseFloat(m[1], 64)
				}
			}
		}
		if it.Name != "Item" {
			return it
		}
	}
	if m := costPattern.FindStringSubmatch(text); m != nil {
		it.Name = strings.TrimSpace(m[1])
		it.Price, _ = strconv.ParseFloat(m[2], 64)
	}
	if it.Description == "" {
		desc := []rune(text)
		if len(desc) > 200 {
			desc = desc[:200]
		}
		it.Description = string(desc)
	}
	return it
}

func money(v float64) string { return fmt.Sprintf("$%.2f", v) }

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// argString returns the first non-empty argument among keys as a string.
func argString(args map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := args[k].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}

// argList accepts a comma separated string or a JSON array.
func argList(args map[string]any, keys ...string) []string {
	for _, k := range keys {
		switch v := args[k].(type) {
		case string:
			var out []string
			for _, s := range strings.Split(v, ",") {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		case []any:
			var out []string
			for _, e := range v {
				switch x := e.(type) {
				case string:
					if x = strings.TrimSpace(x); x != "" {
						out = append(out, x)
					}
				case map[string]any:
					if name := argString(x, "name", "item"); name != "" {
						out = append(out, name)
					}
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return nil
}
