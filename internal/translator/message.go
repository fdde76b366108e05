package translator

import (
	"fmt"
	"sync/atomic"
	"time"
)

// MessageKind classifies a message within a conversation.
type MessageKind string

const (
	KindRequest      MessageKind = "REQUEST"
	KindResponse     MessageKind = "RESPONSE"
	KindNotification MessageKind = "NOTIFICATION"
	KindError        MessageKind = "ERROR"
	KindHeartbeat    MessageKind = "HEARTBEAT"
	KindAck          MessageKind = "ACK"
)

// Header carries message envelope metadata across protocol boundaries.
type Header struct {
	MessageID      string            `json:"message_id"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	Kind           MessageKind       `json:"message_kind"`
	SourceProtocol Protocol          `json:"source_protocol,omitempty"`
	TargetProtocol Protocol          `json:"target_protocol,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	SenderID       string            `json:"sender_id,omitempty"`
	RecipientID    string            `json:"recipient_id,omitempty"`
	Priority       int               `json:"priority"` // 1..5
	CustomHeaders  map[string]string `json:"custom_headers,omitempty"`
}

// TranslationOutcome is the terminal state of one translation.
type TranslationOutcome string

const (
	OutcomeSuccess          TranslationOutcome = "SUCCESS"
	OutcomePartialSuccess   TranslationOutcome = "PARTIAL_SUCCESS"
	OutcomeAdaptationNeeded TranslationOutcome = "ADAPTATION_NEEDED"
	OutcomeFailure          TranslationOutcome = "FAILURE"
	OutcomeUnsupported      TranslationOutcome = "UNSUPPORTED"
)

// TranslationResult is the full outcome of translate_message.
type TranslationResult struct {
	Result            TranslationOutcome `json:"result"`
	TranslatedPayload []byte             `json:"translated_payload,omitempty"`
	TranslatedHeader  *Header            `json:"translated_header,omitempty"`
	Warnings          []string           `json:"warnings,omitempty"`
	Errors            []string           `json:"errors,omitempty"`
	Metadata          map[string]any     `json:"metadata,omitempty"`
	ProcessingTimeMs  int64              `json:"processing_time_ms"`
}

var messageCounter atomic.Int64

// NextMessageID returns a process-monotonic message identifier.
func NextMessageID() string {
	return fmt.Sprintf("msg_%d", messageCounter.Add(1))
}

// translateHeader derives the outgoing header: identity fields survive, the
// protocol and timestamp are rewritten, and protocol defaults merge under any
// caller-supplied custom headers.
func translateHeader(in *Header, source, target Protocol) *Header {
	out := &Header{
		Kind:           KindRequest,
		SourceProtocol: source,
		TargetProtocol: target,
		Timestamp:      time.Now().UTC(),
		Priority:       3,
		CustomHeaders:  defaultHeaders(target),
	}
	if in != nil {
		out.MessageID = in.MessageID
		out.CorrelationID = in.CorrelationID
		out.SenderID = in.SenderID
		out.RecipientID = in.RecipientID
		if in.Kind != "" {
			out.Kind = in.Kind
		}
		if in.Priority >= 1 && in.Priority <= 5 {
			out.Priority = in.Priority
		}
		for k, v := range in.CustomHeaders {
			out.CustomHeaders[k] = v
		}
	}
	if out.MessageID == "" {
		out.MessageID = NextMessageID()
	}
	return out
}

func defaultHeaders(target Protocol) map[string]string {
	h := make(map[string]string)
	switch target {
	case ProtocolJSONRPC, ProtocolREST, ProtocolGRPC, ProtocolWebSocket, ProtocolGraphQL:
		h["Content-Type"] = "application/json"
	case ProtocolSOAP:
		h["Content-Type"] = "text/xml; charset=utf-8"
	}
	return h
}
