// Package rules implements typed rule evaluation, confidence scoring, and
// per-transaction risk aggregation.
package rules

import "strings"

// Context is the execution context a rule evaluates against.
type Context struct {
	TransactionID   string         `json:"transaction_id"`
	TransactionData map[string]any `json:"transaction_data"`
	UserID          string         `json:"user_id,omitempty"`
	UserProfile     map[string]any `json:"user_profile,omitempty"`
	HistoricalData  map[string]any `json:"historical_data,omitempty"`
	SourceSystem    string         `json:"source_system,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Field resolves a dotted path against the context. Paths may be prefixed
// with a section name (transaction_data, user_profile, historical_data,
// metadata); bare paths resolve against transaction_data.
func (c *Context) Field(path string) (any, bool) {
	parts := strings.Split(path, ".")
	var root map[string]any
	switch parts[0] {
	case "transaction_data":
		root, parts = c.TransactionData, parts[1:]
	case "user_profile":
		root, parts = c.UserProfile, parts[1:]
	case "historical_data":
		root, parts = c.HistoricalData, parts[1:]
	case "metadata":
		root, parts = c.Metadata, parts[1:]
	case "user_id":
		if len(parts) == 1 {
			return c.UserID, c.UserID != ""
		}
		return nil, false
	case "source_system":
		if len(parts) == 1 {
			return c.SourceSystem, c.SourceSystem != ""
		}
		return nil, false
	default:
		root = c.TransactionData
	}
	return lookupPath(root, parts)
}

func lookupPath(m map[string]any, parts []string) (any, bool) {
	if len(parts) == 0 {
		return nil, false
	}
	cur := any(m)
	for _, p := range parts {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// asFloat coerces JSON-decoded numbers to float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
