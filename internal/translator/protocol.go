package translator

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Protocol identifies a wire protocol a message speaks.
type Protocol string

const (
	ProtocolJSONRPC   Protocol = "JSON-RPC"
	ProtocolREST      Protocol = "REST"
	ProtocolGRPC      Protocol = "GRPC"
	ProtocolSOAP      Protocol = "SOAP"
	ProtocolWebSocket Protocol = "WEBSOCKET"
	ProtocolGraphQL   Protocol = "GRAPHQL"
)

// DetectProtocol guesses the protocol of a raw payload. Returns "" when the
// payload matches nothing.
func DetectProtocol(raw []byte) Protocol {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}

	var obj map[string]any
	isJSON := json.Unmarshal(trimmed, &obj) == nil

	if isJSON {
		_, hasRPC := obj["jsonrpc"]
		_, hasMethod := obj["method"]
		if hasRPC && hasMethod {
			return ProtocolJSONRPC
		}
		if _, ok := obj["query"]; ok {
			return ProtocolGraphQL
		}
		if _, ok := obj["mutation"]; ok {
			return ProtocolGraphQL
		}
		if _, hasURL := obj["url"]; hasURL && hasMethod {
			return ProtocolREST
		}
	}

	s := string(trimmed)
	if strings.HasPrefix(s, "<?xml") || strings.Contains(s, "<soap:") {
		return ProtocolSOAP
	}

	if isJSON {
		return ProtocolREST
	}
	return ""
}

func knownProtocol(p Protocol) bool {
	switch p {
	case ProtocolJSONRPC, ProtocolREST, ProtocolGRPC, ProtocolSOAP,
		ProtocolWebSocket, ProtocolGraphQL:
		return true
	}
	return false
}
