package translator

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
)

// parseNeutral decodes a raw payload into the neutral map form used by
// translation rules and the pairwise converters.
func parseNeutral(raw []byte, p Protocol) (map[string]any, error) {
	switch p {
	case ProtocolSOAP:
		return parseSOAP(raw)
	default:
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("failed to parse %s payload: %w", p, err)
		}
		return m, nil
	}
}

// serializeNeutral encodes a neutral map in the target protocol's wire form.
func serializeNeutral(m map[string]any, p Protocol) ([]byte, error) {
	switch p {
	case ProtocolSOAP:
		return serializeSOAP(m), nil
	default:
		return json.Marshal(m)
	}
}

// convertPair applies the built-in converter for a protocol pair, operating on
// the neutral form. Returns false when the pair has no built-in.
func convertPair(m map[string]any, from, to Protocol) (map[string]any, bool) {
	switch {
	case from == to:
		return m, true
	case from == ProtocolJSONRPC && to == ProtocolREST:
		return jsonrpcToREST(m), true
	case from == ProtocolREST && to == ProtocolJSONRPC:
		return restToJSONRPC(m), true
	case from == ProtocolJSONRPC && to == ProtocolGRPC:
		return jsonrpcToGRPC(m), true
	case from == ProtocolGRPC && to == ProtocolJSONRPC:
		return grpcToJSONRPC(m), true
	case from == ProtocolREST && to == ProtocolSOAP:
		return restToSOAP(m), true
	case from == ProtocolSOAP && to == ProtocolREST:
		return soapToREST(m), true
	case from == ProtocolWebSocket && to == ProtocolREST,
		from == ProtocolREST && to == ProtocolWebSocket:
		return m, true
	}
	return nil, false
}

func jsonrpcToREST(m map[string]any) map[string]any {
	method, _ := m["method"].(string)
	out := map[string]any{
		"method":  method,
		"url":     "/api/v1/" + method,
		"headers": map[string]any{"Content-Type": "application/json"},
	}
	if params, ok := m["params"]; ok {
		out["body"] = params
	}
	if id, ok := m["id"]; ok {
		out["request_id"] = id
	}
	return out
}

func restToJSONRPC(m map[string]any) map[string]any {
	url, _ := m["url"].(string)
	method := strings.TrimPrefix(url, "/api/v1/")
	method = strings.Trim(method, "/")
	method = strings.ReplaceAll(method, "/", ".")

	out := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"id":      NextMessageID(),
	}
	if id, ok := m["request_id"]; ok {
		out["id"] = id
	}
	if body, ok := m["body"]; ok {
		out["params"] = body
	}
	return out
}

func jsonrpcToGRPC(m map[string]any) map[string]any {
	method, _ := m["method"].(string)
	service := "Default"
	if i := strings.Index(method, "."); i > 0 {
		service = method[:i]
		method = method[i+1:]
	}
	out := map[string]any{"service": service, "method": method}
	if params, ok := m["params"]; ok {
		out["data"] = params
	}
	return out
}

func grpcToJSONRPC(m map[string]any) map[string]any {
	service, _ := m["service"].(string)
	method, _ := m["method"].(string)
	if service != "" {
		method = service + "." + method
	}
	out := map[string]any{"jsonrpc": "2.0", "method": method, "id": NextMessageID()}
	if data, ok := m["data"]; ok {
		out["params"] = data
	}
	return out
}

func restToSOAP(m map[string]any) map[string]any {
	body, ok := m["body"].(map[string]any)
	if !ok {
		body = map[string]any{}
		if v, present := m["body"]; present {
			body["value"] = v
		}
	}
	return map[string]any{"body": body}
}

func soapToREST(m map[string]any) map[string]any {
	out := map[string]any{
		"method":  "POST",
		"headers": map[string]any{"Content-Type": "application/json"},
	}
	if body, ok := m["body"]; ok {
		out["body"] = body
	}
	return out
}

// --- SOAP wire form ---

const soapEnvelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"

func serializeSOAP(m map[string]any) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString("\n")
	fmt.Fprintf(&b, `<soap:Envelope xmlns:soap=%q>`, soapEnvelopeNS)
	b.WriteString("<soap:Body>")

	body, ok := m["body"].(map[string]any)
	if !ok {
		body = m
	}
	writeXMLMap(&b, body)

	b.WriteString("</soap:Body></soap:Envelope>")
	return []byte(b.String())
}

func writeXMLMap(b *strings.Builder, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "<%s>", k)
		switch v := m[k].(type) {
		case map[string]any:
			writeXMLMap(b, v)
		default:
			xml.EscapeText(b, []byte(fmt.Sprintf("%v", v)))
		}
		fmt.Fprintf(b, "</%s>", k)
	}
}

// parseSOAP extracts the envelope body as a neutral map. Leaf element text
// becomes string values; nested elements become nested maps.
func parseSOAP(raw []byte) (map[string]any, error) {
	dec := xml.NewDecoder(strings.NewReader(string(raw)))

	var inBody bool
	var stack []map[string]any
	body := map[string]any{}
	var names []string
	var text strings.Builder

	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "Body" {
				inBody = true
				stack = []map[string]any{body}
				continue
			}
			if !inBody {
				continue
			}
			names = append(names, t.Name.Local)
			child := map[string]any{}
			stack[len(stack)-1][t.Name.Local] = child
			stack = append(stack, child)
			text.Reset()
		case xml.CharData:
			if inBody {
				text.Write(t)
			}
		case xml.EndElement:
			if t.Name.Local == "Body" {
				inBody = false
				continue
			}
			if !inBody || len(names) == 0 {
				continue
			}
			name := names[len(names)-1]
			names = names[:len(names)-1]
			current := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			// Leaf elements carry their text instead of an empty map.
			if len(current) == 0 {
				if s := strings.TrimSpace(text.String()); s != "" {
					stack[len(stack)-1][name] = s
				} else {
					stack[len(stack)-1][name] = ""
				}
			}
			text.Reset()
		}
	}

	if len(body) == 0 {
		return nil, fmt.Errorf("failed to parse SOAP payload: no envelope body found")
	}
	return map[string]any{"body": body}, nil
}
