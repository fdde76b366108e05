package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/reguard/reguard/internal/faults"
)

// errorBody is the wire shape of one API error.
type errorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Field     string         `json:"field,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"request_id"`
	Path      string         `json:"path"`
	Method    string         `json:"method"`
}

type errorEnvelope struct {
	Error errorBody      `json:"error"`
	Meta  map[string]any `json:"meta,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeFault renders a typed error as the standard envelope. Retryable kinds
// carry a Retry-After hint.
func writeFault(w http.ResponseWriter, r *http.Request, err error) {
	status := faults.StatusOf(err)

	body := errorBody{
		Code:      string(faults.KindOf(err)),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: requestIDFrom(r),
		Path:      r.URL.Path,
		Method:    r.Method,
	}
	var pe *faults.Error
	if errors.As(err, &pe) {
		body.Message = pe.Message
		body.Field = pe.Field
		body.Details = pe.Details
	}

	if faults.IsRetryable(err) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(faults.KindOf(err))))
	}
	writeJSON(w, status, errorEnvelope{Error: body})
}

func retryAfterSeconds(kind faults.Kind) int {
	if kind == faults.KindRateLimit {
		return 60
	}
	return 5
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

func requestIDFrom(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func newRequestID() string {
	return "req_" + ulid.Make().String()
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return faults.Wrap(faults.KindValidation, "malformed JSON body", err)
	}
	return nil
}
