package functions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/harunnryd/callbridge/pkg/events"
	"github.com/harunnryd/callbridge/pkg/knowledge"
)

type catalog map[string][]knowledge.Result

func (c catalog) Search(_ context.Context, _ string, query string, limit int) ([]knowledge.Result, error) {
	res := c[strings.ToLower(query)]
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func testCatalog() catalog {
	return catalog{
		"latte":          {{Content: "Category: Coffee | Name: Latte | Price: $4.50 | Description: Espresso with steamed milk"}},
		"croissant":      {{Content: "Category: Bakery | Name: Croissant | Price: $3.25 | Description: Butter croissant"}},
		"business hours": {{Content: "We are open 7am to 6pm every day."}},
	}
}

func TestClassifyIntent(t *testing.T) {
	cases := map[string]Intent{
		"get_menu":            IntentSearch,
		"book_table":          IntentBook,
		"schedule_visit":      IntentBook,
		"create_order":        IntentOrder,
		"store_hours":         IntentInfo,
		"escalate_to_manager": IntentTransfer,
		"hangup":              IntentEnd,
		"xyzzy":               IntentSearch,
	}
	for name, want := range cases {
		if got := ClassifyIntent(name); got != want {
			t.Errorf("ClassifyIntent(%q) = %s, want %s", name, got, want)
		}
	}
}

func TestParseItem(t *testing.T) {
	it := ParseItem("Category: Coffee | Name: Latte | Price: $4.50 | Description: Espresso with steamed milk")
	if it.Name != "Latte" || it.Price != 4.5 || it.Category != "Coffee" || it.Description != "Espresso with steamed milk" {
		t.Fatalf("unexpected item %+v", it)
	}
	prose := ParseItem("Cold Brew costs $5.00 and is steeped overnight.")
	if prose.Name != "Cold Brew" || prose.Price != 5 {
		t.Fatalf("unexpected prose item %+v", prose)
	}
}

func TestRouterFallsBackToIntent(t *testing.T) {
	g := NewGeneric("org-1", testCatalog(), nil, nil)
	known := Map{"ping": HandlerFunc(func(context.Context, map[string]any) (any, error) { return "pong", nil })}
	r := NewRouter(known, g)

	if _, ok := r.Resolve("ping"); !ok {
		t.Fatalf("expected known handler")
	}
	h, ok := r.Resolve("reserve_spot")
	if !ok {
		t.Fatalf("router must resolve every name")
	}
	out, err := h.Call(context.Background(), map[string]any{"name": "Ada", "date": "Friday", "time": "7pm"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if id := out.(map[string]any)["appointment_id"]; id == "" || id == nil {
		t.Fatalf("expected appointment id, got %+v", out)
	}
	if _, ok := known.Resolve("reserve_spot"); ok {
		t.Fatalf("map must resolve only its own names")
	}
}

func TestPlaceAndLookupOrder(t *testing.T) {
	g := NewGeneric("org-1", testCatalog(), nil, nil)
	out, err := g.PlaceOrder(context.Background(), "Ada", []string{"latte", "croissant", "unicorn"})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	id, _ := out["order_id"].(string)
	if id == "" || out["total"] != "$7.75" {
		t.Fatalf("unexpected order %+v", out)
	}
	if !strings.Contains(out["warnings"].(string), "unicorn") {
		t.Fatalf("expected warning for unknown item, got %+v", out)
	}

	found := g.LookupOrder("#" + strings.ToLower(id))
	if found["order_id"] != id || found["status"] != "preparing" {
		t.Fatalf("unexpected lookup %+v", found)
	}
	if missing := g.LookupOrder("NOPE"); missing["error"] == nil {
		t.Fatalf("expected error for unknown order")
	}
}

func TestPlaceOrderWithNoItems(t *testing.T) {
	g := NewGeneric("org-1", testCatalog(), nil, nil)
	out, _ := g.PlaceOrder(context.Background(), "", []string{"unicorn"})
	if out["error"] == nil || out["order_id"] != nil {
		t.Fatalf("expected error result, got %+v", out)
	}
}

func TestBusinessInfoByIntentName(t *testing.T) {
	g := NewGeneric("org-1", testCatalog(), nil, nil)
	out, err := g.ForIntent(IntentInfo, "get_opening_hours").Call(context.Background(), nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	res := out.(map[string]any)
	if res["info_type"] != "hours" || !strings.Contains(res["info"].(string), "7am") {
		t.Fatalf("unexpected info %+v", res)
	}
}

func TestEndCallThroughBridge(t *testing.T) {
	g := NewGeneric("org-1", testCatalog(), nil, nil)
	resp := NewBridge(0, nil).Execute(context.Background(),
		events.FunctionCall{ID: "e1", Name: "end_call", Arguments: `{"reason":"done"}`}, NewRouter(g.Map(), g), nil)
	var out map[string]any
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["action"] != ActionEndCall || out["reason"] != "done" {
		t.Fatalf("unexpected end_call result %+v", out)
	}
}

func TestBuildFromSpecs(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"status":"booked","slot":"10:00"}`))
	}))
	defer srv.Close()

	g := NewGeneric("org-1", testCatalog(), nil, nil)
	known, defs := Build([]Spec{
		{Name: "find_drink", Handler: HandlerSpec{Type: "builtin:search_items"}},
		{Name: "book_wash", Handler: HandlerSpec{Type: "webhook", URL: srv.URL}},
		{Name: "check_status", Handler: HandlerSpec{Type: "builtin", Target: "lookup_order"}},
		{Name: "whatever_else"},
		{Name: " "},
	}, g, srv.Client())

	if len(defs) != 4 || len(known) != 4 {
		t.Fatalf("expected 4 definitions and handlers, got %d/%d", len(defs), len(known))
	}

	out, err := known["find_drink"].Call(context.Background(), map[string]any{"query": "latte"})
	if err != nil || out.(map[string]any)["name"] != "Latte" {
		t.Fatalf("unexpected builtin result %+v (%v)", out, err)
	}

	out, err = known["book_wash"].Call(context.Background(), map[string]any{"car": "sedan"})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if out.(map[string]any)["status"] != "booked" || got["car"] != "sedan" {
		t.Fatalf("unexpected webhook exchange %+v / %+v", out, got)
	}
}

func TestWebhookReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := Webhook(srv.Client(), srv.URL).Call(context.Background(), map[string]any{}); err == nil {
		t.Fatalf("expected error for 500 reply")
	}
}

func TestDefinitionsCoverGenericMap(t *testing.T) {
	m := NewGeneric("org-1", testCatalog(), nil, nil).Map()
	defs := Definitions()
	if len(defs) != len(m) {
		t.Fatalf("definitions and handlers differ: %d vs %d", len(defs), len(m))
	}
	for _, d := range defs {
		if _, ok := m[d.Name]; !ok {
			t.Fatalf("definition %s has no handler", d.Name)
		}
	}
}

func TestGenericAppointmentThroughMap(t *testing.T) {
	m := NewGeneric("org-1", testCatalog(), nil, nil).Map()
	out, err := m["make_appointment"].Call(context.Background(), map[string]any{"name": "Ann", "date": "Friday", "time": "10am"})
	if err != nil {
		t.Fatalf("make_appointment: %v", err)
	}
	appt := out.(map[string]any)
	id, _ := appt["appointment_id"].(string)
	if id == "" || appt["customer"] != "Ann" {
		t.Fatalf("unexpected appointment %+v", appt)
	}
}
