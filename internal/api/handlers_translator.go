package api

import (
	"encoding/json"
	"net/http"

	"github.com/reguard/reguard/internal/faults"
	"github.com/reguard/reguard/internal/store"
	"github.com/reguard/reguard/internal/translator"
)

type translateRequest struct {
	Message        json.RawMessage    `json:"message"`
	TargetProtocol string             `json:"target_protocol"`
	Header         *translator.Header `json:"header,omitempty"`
}

// translateResponse mirrors TranslationResult with the payload kept as raw
// JSON where possible instead of base64 bytes.
type translateResponse struct {
	Result            translator.TranslationOutcome `json:"result"`
	TranslatedPayload any                           `json:"translated_payload,omitempty"`
	TranslatedHeader  *translator.Header            `json:"translated_header,omitempty"`
	Warnings          []string                      `json:"warnings,omitempty"`
	Errors            []string                      `json:"errors,omitempty"`
	Metadata          map[string]any                `json:"metadata,omitempty"`
	ProcessingTimeMs  int64                         `json:"processing_time_ms"`
}

func toTranslateResponse(res *translator.TranslationResult) translateResponse {
	out := translateResponse{
		Result:           res.Result,
		TranslatedHeader: res.TranslatedHeader,
		Warnings:         res.Warnings,
		Errors:           res.Errors,
		Metadata:         res.Metadata,
		ProcessingTimeMs: res.ProcessingTimeMs,
	}
	if len(res.TranslatedPayload) > 0 {
		if json.Valid(res.TranslatedPayload) {
			out.TranslatedPayload = json.RawMessage(res.TranslatedPayload)
		} else {
			out.TranslatedPayload = string(res.TranslatedPayload)
		}
	}
	return out
}

func rawMessageBytes(m json.RawMessage) []byte {
	// A JSON string payload carries non-JSON wire text, SOAP for instance.
	var s string
	if err := json.Unmarshal(m, &s); err == nil {
		return []byte(s)
	}
	return []byte(m)
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if err := decodeBody(r, &req); err != nil {
		writeFault(w, r, err)
		return
	}
	if len(req.Message) == 0 {
		writeFault(w, r, faults.New(faults.KindValidation, "message is required").WithField("message"))
		return
	}
	if req.TargetProtocol == "" {
		writeFault(w, r, faults.New(faults.KindValidation, "target_protocol is required").WithField("target_protocol"))
		return
	}

	res := s.translator.TranslateMessage(rawMessageBytes(req.Message), req.Header, translator.Protocol(req.TargetProtocol))
	writeJSON(w, http.StatusOK, toTranslateResponse(res))
}

type translateBatchRequest struct {
	Messages       []translateRequest `json:"messages"`
	TargetProtocol string             `json:"target_protocol"`
}

func (s *Server) handleTranslateBatch(w http.ResponseWriter, r *http.Request) {
	var req translateBatchRequest
	if err := decodeBody(r, &req); err != nil {
		writeFault(w, r, err)
		return
	}
	if req.TargetProtocol == "" {
		writeFault(w, r, faults.New(faults.KindValidation, "target_protocol is required").WithField("target_protocol"))
		return
	}

	items := make([]translator.BatchItem, len(req.Messages))
	for i, m := range req.Messages {
		items[i] = translator.BatchItem{Raw: rawMessageBytes(m.Message), Header: m.Header}
	}

	results, err := s.translator.TranslateBatch(items, translator.Protocol(req.TargetProtocol))
	if err != nil {
		writeFault(w, r, err)
		return
	}

	out := make([]translateResponse, len(results))
	succeeded := 0
	for i, res := range results {
		out[i] = toTranslateResponse(res)
		if res.Result == translator.OutcomeSuccess || res.Result == translator.OutcomePartialSuccess {
			succeeded++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(out),
		"succeeded": succeeded,
		"results":   out,
	})
}

func (s *Server) handleDetectProtocol(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message json.RawMessage `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeFault(w, r, err)
		return
	}
	if len(req.Message) == 0 {
		writeFault(w, r, faults.New(faults.KindValidation, "message is required").WithField("message"))
		return
	}

	p := translator.DetectProtocol(rawMessageBytes(req.Message))
	detected := p != ""
	out := map[string]any{"detected": detected}
	if detected {
		out["protocol"] = p
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListTranslationRules(w http.ResponseWriter, r *http.Request) {
	list := s.translator.ListRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": list,
		"total": len(list),
	})
}

func (s *Server) handleCreateTranslationRule(w http.ResponseWriter, r *http.Request) {
	var rule store.TranslationRule
	if err := decodeBody(r, &rule); err != nil {
		writeFault(w, r, err)
		return
	}
	if err := s.translator.AddRule(&rule, apiUser(r)); err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &rule)
}

func (s *Server) handleUpdateTranslationRule(w http.ResponseWriter, r *http.Request) {
	var rule store.TranslationRule
	if err := decodeBody(r, &rule); err != nil {
		writeFault(w, r, err)
		return
	}
	rule.ID = r.PathValue("id")
	if err := s.translator.UpdateRule(&rule, apiUser(r)); err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &rule)
}

func (s *Server) handleDeleteTranslationRule(w http.ResponseWriter, r *http.Request) {
	if err := s.translator.RemoveRule(r.PathValue("id"), apiUser(r)); err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRegisterSchema(w http.ResponseWriter, r *http.Request) {
	var schema translator.Schema
	if err := decodeBody(r, &schema); err != nil {
		writeFault(w, r, err)
		return
	}
	schema.Protocol = translator.Protocol(r.PathValue("protocol"))
	if err := s.translator.Schemas().Register(&schema); err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &schema)
}
