package agent

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/reguard/reguard/internal/event"
	"github.com/reguard/reguard/internal/faults"
	"github.com/reguard/reguard/internal/translator"
)

// TranslationAgent converts inter-agent messages carried as compliance
// events. The event data holds the raw message and the target protocol.
type TranslationAgent struct {
	translator *translator.Translator
	logger     *slog.Logger
}

func NewTranslationAgent(tr *translator.Translator, logger *slog.Logger) *TranslationAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &TranslationAgent{
		translator: tr,
		logger:     logger.With("component", "agent.TranslationAgent"),
	}
}

func (a *TranslationAgent) Type() string        { return "message-translation" }
func (a *TranslationAgent) DisplayName() string { return "Message Translation Agent" }

func (a *TranslationAgent) Capabilities() Capabilities {
	return Capabilities{
		SupportedEventKinds: []event.Kind{event.KindPolicyUpdate},
		SupportedActions:    []string{"translate_message", "detect_protocol"},
		KnowledgeDomains:    []string{"protocols"},
		RealTimeCapable:     true,
		BatchCapable:        true,
		MaxConcurrentTasks:  4,
	}
}

func (a *TranslationAgent) Initialize(ctx context.Context) error {
	return a.translator.ReloadRules()
}

func (a *TranslationAgent) Shutdown(ctx context.Context) error { return nil }

func (a *TranslationAgent) ProcessEvent(ctx context.Context, ev *event.ComplianceEvent) error {
	rawMsg, ok := ev.Data["message"]
	if !ok {
		return faults.New(faults.KindValidation, "event carries no message to translate")
	}
	target, _ := ev.Data["target_protocol"].(string)
	if target == "" {
		return faults.New(faults.KindValidation, "event names no target protocol")
	}

	raw, err := json.Marshal(rawMsg)
	if err != nil {
		return faults.Wrap(faults.KindValidation, "message is not serializable", err)
	}
	if s, ok := rawMsg.(string); ok {
		raw = []byte(s)
	}

	var header *translator.Header
	if src, ok := ev.Data["source_protocol"].(string); ok && src != "" {
		header = &translator.Header{
			SourceProtocol: translator.Protocol(src),
			SenderID:       ev.Source,
		}
	}

	res := a.translator.TranslateMessage(raw, header, translator.Protocol(target))
	if res.Result == translator.OutcomeFailure || res.Result == translator.OutcomeUnsupported {
		return faults.Newf(faults.KindProcessing,
			"translation %s: %v", res.Result, res.Errors)
	}

	a.logger.Debug("message translated",
		"result", res.Result,
		"target", target,
		"processing_time_ms", res.ProcessingTimeMs)
	return nil
}

func (a *TranslationAgent) PerformHealthCheck(ctx context.Context) bool {
	return a.translator != nil
}
