package translator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/reguard/reguard/internal/config"
	"github.com/reguard/reguard/internal/faults"
	"github.com/reguard/reguard/internal/metrics"
	"github.com/reguard/reguard/internal/store"
)

// Journal receives change records for translation rule mutations.
type Journal interface {
	RecordChange(c *store.Change) (string, error)
}

// Translator converts messages between protocols, preferring registered
// translation rules over built-in pairwise converters.
type Translator struct {
	store   store.Store
	journal Journal
	schemas *SchemaRegistry
	logger  *slog.Logger

	maxBatchSize    int
	validation      bool
	defaultProtocol Protocol

	mu    sync.RWMutex
	rules []*store.TranslationRule // sorted by priority desc
}

// NewTranslator creates a translator backed by st.
func NewTranslator(st store.Store, journal Journal, cfg config.TranslatorConfig, logger *slog.Logger) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	maxBatch := cfg.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = 100
	}
	def := Protocol(cfg.DefaultProtocol)
	if !knownProtocol(def) {
		def = ProtocolREST
	}

	return &Translator{
		store:           st,
		journal:         journal,
		schemas:         NewSchemaRegistry(),
		logger:          logger.With("component", "translator.Translator"),
		maxBatchSize:    maxBatch,
		validation:      cfg.ValidationEnabled,
		defaultProtocol: def,
	}
}

// Schemas exposes the registry for schema management endpoints.
func (t *Translator) Schemas() *SchemaRegistry { return t.schemas }

// TranslateMessage converts raw into the target protocol. The header is
// optional; when present its source_protocol overrides detection.
func (t *Translator) TranslateMessage(raw []byte, header *Header, target Protocol) *TranslationResult {
	start := time.Now()
	res := t.translate(raw, header, target)
	res.ProcessingTimeMs = time.Since(start).Milliseconds()

	source := "unknown"
	if res.TranslatedHeader != nil && res.TranslatedHeader.SourceProtocol != "" {
		source = string(res.TranslatedHeader.SourceProtocol)
	}
	metrics.MessagesTranslated.WithLabelValues(source, string(target), string(res.Result)).Inc()
	return res
}

func (t *Translator) translate(raw []byte, header *Header, target Protocol) *TranslationResult {
	if !knownProtocol(target) {
		return &TranslationResult{
			Result: OutcomeFailure,
			Errors: []string{fmt.Sprintf("unknown target protocol %q", target)},
		}
	}

	source := t.resolveSource(raw, header)
	if source == "" {
		return &TranslationResult{
			Result: OutcomeFailure,
			Errors: []string{"source protocol could not be determined"},
		}
	}

	outHeader := translateHeader(header, source, target)

	if source == target {
		return &TranslationResult{
			Result:            OutcomeSuccess,
			TranslatedPayload: raw,
			TranslatedHeader:  outHeader,
			Metadata:          map[string]any{"passthrough": true},
		}
	}

	neutral, err := parseNeutral(raw, source)
	if err != nil {
		return &TranslationResult{
			Result:           OutcomeFailure,
			TranslatedHeader: outHeader,
			Errors:           []string{err.Error()},
		}
	}

	if t.validation {
		if err := t.schemas.Validate(source, neutral); err != nil {
			return &TranslationResult{
				Result:           OutcomeFailure,
				TranslatedHeader: outHeader,
				Errors:           []string{err.Error()},
			}
		}
	}

	var warnings []string
	ruleApplied := false
	if rule := t.matchRule(source, target); rule != nil {
		neutral, warnings = applyRule(neutral, rule)
		ruleApplied = true
	} else {
		converted, ok := convertPair(neutral, source, target)
		if !ok {
			return &TranslationResult{
				Result:           OutcomeUnsupported,
				TranslatedHeader: outHeader,
				Errors: []string{fmt.Sprintf(
					"no translation rule or built-in converter for %s to %s", source, target)},
			}
		}
		neutral = converted
	}

	payload, err := serializeNeutral(neutral, target)
	if err != nil {
		return &TranslationResult{
			Result:           OutcomeFailure,
			TranslatedHeader: outHeader,
			Errors:           []string{err.Error()},
		}
	}

	outcome := OutcomeSuccess
	if len(warnings) > 0 {
		outcome = OutcomeAdaptationNeeded
		if ruleApplied {
			outcome = OutcomePartialSuccess
		}
	}
	return &TranslationResult{
		Result:            outcome,
		TranslatedPayload: payload,
		TranslatedHeader:  outHeader,
		Warnings:          warnings,
		Metadata:          map[string]any{"rule_applied": ruleApplied},
	}
}

func (t *Translator) resolveSource(raw []byte, header *Header) Protocol {
	if header != nil && knownProtocol(header.SourceProtocol) {
		return header.SourceProtocol
	}
	if p := DetectProtocol(raw); p != "" {
		return p
	}
	return ""
}

// BatchItem pairs one payload with its optional header.
type BatchItem struct {
	Raw    []byte  `json:"message"`
	Header *Header `json:"header,omitempty"`
}

// TranslateBatch translates up to maxBatchSize messages. Per-message failures
// are isolated; the slice is positionally aligned with the input.
func (t *Translator) TranslateBatch(items []BatchItem, target Protocol) ([]*TranslationResult, error) {
	if len(items) > t.maxBatchSize {
		return nil, faults.Newf(faults.KindValidation,
			"batch of %d exceeds maximum of %d", len(items), t.maxBatchSize)
	}

	results := make([]*TranslationResult, len(items))
	for i, item := range items {
		results[i] = t.TranslateMessage(item.Raw, item.Header, target)
	}
	return results, nil
}

// --- Rule management ---

// AddRule journals and persists a translation rule, then refreshes the cache.
func (t *Translator) AddRule(r *store.TranslationRule, userID string) error {
	if err := validateRule(r); err != nil {
		return err
	}

	existing, err := t.store.GetTranslationRule(r.ID)
	if err != nil {
		return faults.Wrap(faults.KindDatabase, "failed to check translation rule", err)
	}
	if existing != nil {
		return faults.Newf(faults.KindConflict, "translation rule %s already exists", r.ID)
	}

	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	if err := t.journalRule(store.OpCreate, r.ID, nil, r, userID); err != nil {
		return err
	}
	if err := t.store.UpsertTranslationRule(r); err != nil {
		return faults.Wrap(faults.KindDatabase, "failed to persist translation rule", err)
	}
	return t.reloadRules()
}

// UpdateRule journals and persists a modification to an existing rule.
func (t *Translator) UpdateRule(r *store.TranslationRule, userID string) error {
	if err := validateRule(r); err != nil {
		return err
	}

	old, err := t.store.GetTranslationRule(r.ID)
	if err != nil {
		return faults.Wrap(faults.KindDatabase, "failed to load translation rule", err)
	}
	if old == nil {
		return faults.Newf(faults.KindNotFound, "translation rule %s not found", r.ID)
	}

	r.CreatedAt = old.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	if err := t.journalRule(store.OpUpdate, r.ID, old, r, userID); err != nil {
		return err
	}
	if err := t.store.UpsertTranslationRule(r); err != nil {
		return faults.Wrap(faults.KindDatabase, "failed to persist translation rule", err)
	}
	return t.reloadRules()
}

// RemoveRule journals and deletes a rule.
func (t *Translator) RemoveRule(id, userID string) error {
	old, err := t.store.GetTranslationRule(id)
	if err != nil {
		return faults.Wrap(faults.KindDatabase, "failed to load translation rule", err)
	}
	if old == nil {
		return faults.Newf(faults.KindNotFound, "translation rule %s not found", id)
	}

	if err := t.journalRule(store.OpDelete, id, old, nil, userID); err != nil {
		return err
	}
	if err := t.store.DeleteTranslationRule(id); err != nil {
		return faults.Wrap(faults.KindDatabase, "failed to delete translation rule", err)
	}
	return t.reloadRules()
}

// ListRules returns the cached rules in priority order.
func (t *Translator) ListRules() []*store.TranslationRule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*store.TranslationRule, len(t.rules))
	copy(out, t.rules)
	return out
}

// ReloadRules re-reads rules from the store.
func (t *Translator) ReloadRules() error { return t.reloadRules() }

func (t *Translator) reloadRules() error {
	rules, err := t.store.ListTranslationRules()
	if err != nil {
		return faults.Wrap(faults.KindDatabase, "failed to list translation rules", err)
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	t.mu.Lock()
	t.rules = rules
	t.mu.Unlock()

	t.logger.Info("translation rules loaded", "count", len(rules))
	return nil
}

// matchRule returns the highest-priority active rule for the pair. Rules are
// kept priority-sorted, so the first hit wins.
func (t *Translator) matchRule(from, to Protocol) *store.TranslationRule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.rules {
		if !r.Active {
			continue
		}
		if r.FromProtocol == string(from) && r.ToProtocol == string(to) {
			return r
		}
		if r.Bidirectional && r.FromProtocol == string(to) && r.ToProtocol == string(from) {
			return r
		}
	}
	return nil
}

// applyRule runs field mappings then value transformations over a copy of the
// neutral form. Mappings whose source field is absent produce warnings.
func applyRule(m map[string]any, r *store.TranslationRule) (map[string]any, []string) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	var warnings []string
	for oldKey, newKey := range r.FieldMappings {
		v, ok := out[oldKey]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("field %q not present for mapping to %q", oldKey, newKey))
			continue
		}
		delete(out, oldKey)
		out[newKey] = v
	}

	for field, op := range r.ValueTransformations {
		v, ok := out[field]
		if !ok {
			continue
		}
		s, isStr := v.(string)
		switch op {
		case "uppercase":
			if isStr {
				out[field] = strings.ToUpper(s)
			}
		case "lowercase":
			if isStr {
				out[field] = strings.ToLower(s)
			}
		default:
			warnings = append(warnings, fmt.Sprintf("unknown value transformation %q on field %q", op, field))
		}
	}
	return out, warnings
}

func validateRule(r *store.TranslationRule) error {
	if r == nil || r.ID == "" || r.Name == "" {
		return faults.New(faults.KindValidation, "translation rule requires id and name")
	}
	if !knownProtocol(Protocol(r.FromProtocol)) || !knownProtocol(Protocol(r.ToProtocol)) {
		return faults.New(faults.KindValidation, "translation rule requires known from and to protocols")
	}
	return nil
}

func (t *Translator) journalRule(op store.Operation, id string, old, updated *store.TranslationRule, userID string) error {
	oldJSON := marshalOrNil(old)
	newJSON := marshalOrNil(updated)
	_, err := t.journal.RecordChange(&store.Change{
		UserID:     userID,
		EntityKind: "TRANSLATION_RULE",
		EntityID:   id,
		Operation:  op,
		OldValue:   oldJSON,
		NewValue:   newJSON,
	})
	if err != nil {
		return faults.Wrap(faults.KindProcessing, "failed to journal translation rule change", err)
	}
	return nil
}

func marshalOrNil(v *store.TranslationRule) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
