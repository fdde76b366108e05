package translator

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/reguard/reguard/internal/config"
	"github.com/reguard/reguard/internal/store"
)

type journalStub struct {
	changes []*store.Change
}

func (j *journalStub) RecordChange(c *store.Change) (string, error) {
	j.changes = append(j.changes, c)
	return "ch-test", nil
}

func newTestTranslator(t *testing.T) (*Translator, *journalStub) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "translator.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	j := &journalStub{}
	tr := NewTranslator(st, j, config.TranslatorConfig{
		MaxBatchSize:      3,
		ValidationEnabled: false,
		DefaultProtocol:   "REST",
	}, nil)
	return tr, j
}

func TestDetectProtocol(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Protocol
	}{
		{"jsonrpc", `{"jsonrpc":"2.0","method":"ping","id":1}`, ProtocolJSONRPC},
		{"graphql query", `{"query":"{ user { id } }"}`, ProtocolGraphQL},
		{"graphql mutation", `{"mutation":"createUser"}`, ProtocolGraphQL},
		{"rest", `{"method":"GET","url":"/api/v1/users"}`, ProtocolREST},
		{"soap prologue", `<?xml version="1.0"?><soap:Envelope></soap:Envelope>`, ProtocolSOAP},
		{"soap tag", `<soap:Envelope><soap:Body></soap:Body></soap:Envelope>`, ProtocolSOAP},
		{"json default", `{"hello":"world"}`, ProtocolREST},
		{"garbage", `not anything`, ""},
		{"empty", ``, ""},
		// method without url is not REST; plain JSON default applies.
		{"method only", `{"method":"ping"}`, ProtocolREST},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectProtocol([]byte(tt.raw)); got != tt.want {
				t.Errorf("DetectProtocol = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJSONRPCToREST(t *testing.T) {
	tr, _ := newTestTranslator(t)

	raw := []byte(`{"jsonrpc":"2.0","method":"orders.create","params":{"sku":"A1","qty":2},"id":7}`)
	res := tr.TranslateMessage(raw, nil, ProtocolREST)

	if res.Result != OutcomeSuccess {
		t.Fatalf("result = %s, errors = %v", res.Result, res.Errors)
	}

	var out map[string]any
	if err := json.Unmarshal(res.TranslatedPayload, &out); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if out["method"] != "orders.create" {
		t.Errorf("method = %v, want orders.create", out["method"])
	}
	if out["url"] != "/api/v1/orders.create" {
		t.Errorf("url = %v, want /api/v1/orders.create", out["url"])
	}
	headers := out["headers"].(map[string]any)
	if headers["Content-Type"] != "application/json" {
		t.Errorf("Content-Type = %v", headers["Content-Type"])
	}
	body := out["body"].(map[string]any)
	if body["sku"] != "A1" {
		t.Errorf("body = %v", body)
	}

	if res.TranslatedHeader.SourceProtocol != ProtocolJSONRPC {
		t.Errorf("source protocol = %s", res.TranslatedHeader.SourceProtocol)
	}
	if res.TranslatedHeader.TargetProtocol != ProtocolREST {
		t.Errorf("target protocol = %s", res.TranslatedHeader.TargetProtocol)
	}
}

func TestRESTToJSONRPCRoundTrip(t *testing.T) {
	tr, _ := newTestTranslator(t)

	raw := []byte(`{"method":"POST","url":"/api/v1/orders/create","body":{"sku":"A1"}}`)
	res := tr.TranslateMessage(raw, nil, ProtocolJSONRPC)
	if res.Result != OutcomeSuccess {
		t.Fatalf("result = %s, errors = %v", res.Result, res.Errors)
	}

	var out map[string]any
	json.Unmarshal(res.TranslatedPayload, &out)
	if out["jsonrpc"] != "2.0" {
		t.Errorf("jsonrpc = %v", out["jsonrpc"])
	}
	if out["method"] != "orders.create" {
		t.Errorf("method = %v, want orders.create", out["method"])
	}
	if params, ok := out["params"].(map[string]any); !ok || params["sku"] != "A1" {
		t.Errorf("params = %v", out["params"])
	}
}

func TestJSONRPCToGRPC(t *testing.T) {
	tr, _ := newTestTranslator(t)

	raw := []byte(`{"jsonrpc":"2.0","method":"orders.create","params":{"sku":"A1"},"id":1}`)
	res := tr.TranslateMessage(raw, nil, ProtocolGRPC)
	if res.Result != OutcomeSuccess {
		t.Fatalf("result = %s, errors = %v", res.Result, res.Errors)
	}

	var out map[string]any
	json.Unmarshal(res.TranslatedPayload, &out)
	if out["service"] != "orders" || out["method"] != "create" {
		t.Errorf("service/method = %v/%v", out["service"], out["method"])
	}
}

func TestRESTToSOAPAndBack(t *testing.T) {
	tr, _ := newTestTranslator(t)

	raw := []byte(`{"method":"POST","url":"/api/v1/orders","body":{"sku":"A1","qty":"2"}}`)
	res := tr.TranslateMessage(raw, nil, ProtocolSOAP)
	if res.Result != OutcomeSuccess {
		t.Fatalf("to SOAP: result = %s, errors = %v", res.Result, res.Errors)
	}
	envelope := string(res.TranslatedPayload)
	if !strings.Contains(envelope, "<soap:Envelope") || !strings.Contains(envelope, "<soap:Body>") {
		t.Fatalf("missing envelope: %s", envelope)
	}
	if !strings.Contains(envelope, "<sku>A1</sku>") {
		t.Errorf("missing body element: %s", envelope)
	}

	back := tr.TranslateMessage(res.TranslatedPayload, nil, ProtocolREST)
	if back.Result != OutcomeSuccess {
		t.Fatalf("from SOAP: result = %s, errors = %v", back.Result, back.Errors)
	}
	var out map[string]any
	json.Unmarshal(back.TranslatedPayload, &out)
	body, ok := out["body"].(map[string]any)
	if !ok || body["sku"] != "A1" {
		t.Errorf("round-tripped body = %v", out["body"])
	}
}

func TestPassthroughSameProtocol(t *testing.T) {
	tr, _ := newTestTranslator(t)

	raw := []byte(`{"method":"GET","url":"/api/v1/ping"}`)
	res := tr.TranslateMessage(raw, nil, ProtocolREST)
	if res.Result != OutcomeSuccess {
		t.Fatalf("result = %s", res.Result)
	}
	if string(res.TranslatedPayload) != string(raw) {
		t.Error("passthrough should not modify the payload")
	}
	if res.Metadata["passthrough"] != true {
		t.Errorf("metadata = %v", res.Metadata)
	}
}

func TestUnsupportedPair(t *testing.T) {
	tr, _ := newTestTranslator(t)

	// GraphQL has no built-in converter to SOAP and no rule registered.
	raw := []byte(`{"query":"{ user { id } }"}`)
	res := tr.TranslateMessage(raw, nil, ProtocolSOAP)
	if res.Result != OutcomeUnsupported {
		t.Errorf("result = %s, want UNSUPPORTED", res.Result)
	}
}

func TestParseFailure(t *testing.T) {
	tr, _ := newTestTranslator(t)

	header := &Header{SourceProtocol: ProtocolJSONRPC}
	res := tr.TranslateMessage([]byte(`{{{`), header, ProtocolREST)
	if res.Result != OutcomeFailure {
		t.Errorf("result = %s, want FAILURE", res.Result)
	}
	if len(res.Errors) == 0 {
		t.Error("diagnostic missing")
	}
}

func TestHeaderOverridesDetection(t *testing.T) {
	tr, _ := newTestTranslator(t)

	// Payload looks like plain JSON but the header declares WEBSOCKET.
	raw := []byte(`{"event":"tick"}`)
	header := &Header{SourceProtocol: ProtocolWebSocket, MessageID: "msg_fixed", Priority: 5, SenderID: "agent-1"}
	res := tr.TranslateMessage(raw, header, ProtocolREST)

	if res.Result != OutcomeSuccess {
		t.Fatalf("result = %s, errors = %v", res.Result, res.Errors)
	}
	h := res.TranslatedHeader
	if h.SourceProtocol != ProtocolWebSocket {
		t.Errorf("source = %s, want WEBSOCKET", h.SourceProtocol)
	}
	if h.MessageID != "msg_fixed" || h.Priority != 5 || h.SenderID != "agent-1" {
		t.Errorf("identity fields not preserved: %+v", h)
	}
}

func TestTranslationRuleApplied(t *testing.T) {
	tr, j := newTestTranslator(t)

	rule := &store.TranslationRule{
		ID:           "tr1",
		Name:         "jsonrpc to rest custom",
		FromProtocol: string(ProtocolJSONRPC),
		ToProtocol:   string(ProtocolREST),
		FieldMappings: map[string]string{
			"method": "operation",
		},
		ValueTransformations: map[string]string{
			"operation": "uppercase",
		},
		Priority: 10,
		Active:   true,
	}
	if err := tr.AddRule(rule, "admin"); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if len(j.changes) != 1 || j.changes[0].Operation != store.OpCreate {
		t.Fatalf("journal = %+v", j.changes)
	}

	raw := []byte(`{"jsonrpc":"2.0","method":"orders.create","id":1}`)
	res := tr.TranslateMessage(raw, nil, ProtocolREST)
	if res.Result != OutcomeSuccess {
		t.Fatalf("result = %s, errors = %v", res.Result, res.Errors)
	}

	var out map[string]any
	json.Unmarshal(res.TranslatedPayload, &out)
	if out["operation"] != "ORDERS.CREATE" {
		t.Errorf("operation = %v, want ORDERS.CREATE", out["operation"])
	}
	if _, still := out["method"]; still {
		t.Error("mapped field should be removed")
	}
	if res.Metadata["rule_applied"] != true {
		t.Errorf("metadata = %v", res.Metadata)
	}
}

func TestHighestPriorityRuleWins(t *testing.T) {
	tr, _ := newTestTranslator(t)

	low := &store.TranslationRule{
		ID: "low", Name: "low", FromProtocol: string(ProtocolJSONRPC), ToProtocol: string(ProtocolREST),
		FieldMappings: map[string]string{"method": "low_field"}, Priority: 1, Active: true,
	}
	high := &store.TranslationRule{
		ID: "high", Name: "high", FromProtocol: string(ProtocolJSONRPC), ToProtocol: string(ProtocolREST),
		FieldMappings: map[string]string{"method": "high_field"}, Priority: 9, Active: true,
	}
	for _, r := range []*store.TranslationRule{low, high} {
		if err := tr.AddRule(r, "admin"); err != nil {
			t.Fatalf("AddRule %s: %v", r.ID, err)
		}
	}

	res := tr.TranslateMessage([]byte(`{"jsonrpc":"2.0","method":"ping","id":1}`), nil, ProtocolREST)
	var out map[string]any
	json.Unmarshal(res.TranslatedPayload, &out)
	if _, ok := out["high_field"]; !ok {
		t.Errorf("higher priority rule not applied: %v", out)
	}
}

func TestBidirectionalRuleMatchesReverse(t *testing.T) {
	tr, _ := newTestTranslator(t)

	rule := &store.TranslationRule{
		ID: "bi", Name: "bi", FromProtocol: string(ProtocolREST), ToProtocol: string(ProtocolJSONRPC),
		FieldMappings: map[string]string{"jsonrpc": "version"}, Bidirectional: true,
		Priority: 5, Active: true,
	}
	if err := tr.AddRule(rule, "admin"); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	// Source JSON-RPC, target REST: matches the rule in reverse.
	res := tr.TranslateMessage([]byte(`{"jsonrpc":"2.0","method":"ping","id":1}`), nil, ProtocolREST)
	var out map[string]any
	json.Unmarshal(res.TranslatedPayload, &out)
	if out["version"] != "2.0" {
		t.Errorf("bidirectional rule not applied: %v", out)
	}
}

func TestRuleCRUDLifecycle(t *testing.T) {
	tr, j := newTestTranslator(t)

	rule := &store.TranslationRule{
		ID: "r1", Name: "first", FromProtocol: string(ProtocolREST), ToProtocol: string(ProtocolSOAP),
		Priority: 1, Active: true,
	}
	if err := tr.AddRule(rule, "admin"); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if err := tr.AddRule(rule, "admin"); err == nil {
		t.Error("duplicate AddRule should fail")
	}

	rule.Name = "renamed"
	if err := tr.UpdateRule(rule, "admin"); err != nil {
		t.Fatalf("UpdateRule: %v", err)
	}
	if err := tr.RemoveRule("r1", "admin"); err != nil {
		t.Fatalf("RemoveRule: %v", err)
	}
	if err := tr.RemoveRule("r1", "admin"); err == nil {
		t.Error("removing a missing rule should fail")
	}
	if got := len(tr.ListRules()); got != 0 {
		t.Errorf("rules after delete = %d, want 0", got)
	}

	wantOps := []store.Operation{store.OpCreate, store.OpUpdate, store.OpDelete}
	if len(j.changes) != len(wantOps) {
		t.Fatalf("journaled %d changes, want %d", len(j.changes), len(wantOps))
	}
	for i, op := range wantOps {
		if j.changes[i].Operation != op {
			t.Errorf("change %d: op = %s, want %s", i, j.changes[i].Operation, op)
		}
	}
}

func TestBatchLimit(t *testing.T) {
	tr, _ := newTestTranslator(t)

	item := BatchItem{Raw: []byte(`{"jsonrpc":"2.0","method":"ping","id":1}`)}
	results, err := tr.TranslateBatch([]BatchItem{item, item}, ProtocolREST)
	if err != nil {
		t.Fatalf("TranslateBatch: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}

	// One bad message does not abort the batch.
	mixed := []BatchItem{item, {Raw: []byte(`{{{`), Header: &Header{SourceProtocol: ProtocolJSONRPC}}}
	results, err = tr.TranslateBatch(mixed, ProtocolREST)
	if err != nil {
		t.Fatalf("TranslateBatch: %v", err)
	}
	if results[0].Result != OutcomeSuccess || results[1].Result != OutcomeFailure {
		t.Errorf("results = %s, %s", results[0].Result, results[1].Result)
	}

	// Max batch size is 3 for the test translator.
	if _, err := tr.TranslateBatch([]BatchItem{item, item, item, item}, ProtocolREST); err == nil {
		t.Error("oversized batch should fail")
	}
}

func TestSchemaValidation(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "translator.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer st.Close()

	tr := NewTranslator(st, &journalStub{}, config.TranslatorConfig{
		MaxBatchSize:      10,
		ValidationEnabled: true,
	}, nil)

	err = tr.Schemas().Register(&Schema{
		Protocol:       ProtocolJSONRPC,
		RequiredFields: []string{"jsonrpc", "method", "id"},
		FieldTypes:     map[string]string{"method": "string"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Missing id fails validation.
	res := tr.TranslateMessage([]byte(`{"jsonrpc":"2.0","method":"ping"}`), nil, ProtocolREST)
	if res.Result != OutcomeFailure {
		t.Errorf("result = %s, want FAILURE", res.Result)
	}

	// Complete message passes.
	res = tr.TranslateMessage([]byte(`{"jsonrpc":"2.0","method":"ping","id":1}`), nil, ProtocolREST)
	if res.Result != OutcomeSuccess {
		t.Errorf("result = %s, errors = %v", res.Result, res.Errors)
	}
}

func TestNextMessageIDMonotonic(t *testing.T) {
	a, b := NextMessageID(), NextMessageID()
	if !strings.HasPrefix(a, "msg_") || !strings.HasPrefix(b, "msg_") {
		t.Errorf("ids = %s, %s", a, b)
	}
	if a == b {
		t.Error("ids should be unique")
	}
}
