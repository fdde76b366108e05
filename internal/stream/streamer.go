// Package stream maps domain events onto WebSocket fabric channels.
package stream

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/reguard/reguard/internal/event"
	"github.com/reguard/reguard/internal/fabric"
	"github.com/reguard/reguard/internal/rules"
)

// Streamer publishes collaboration updates to the reserved channels
// session.<id>, user.<id>, and alerts.<severity>.
type Streamer struct {
	hub    *fabric.Hub
	logger *slog.Logger
}

func NewStreamer(hub *fabric.Hub, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		hub:    hub,
		logger: logger.With("component", "stream.Streamer"),
	}
}

// PublishRuleEvaluation fans a detection result out to the session channel and
// the originating user's channel.
func (s *Streamer) PublishRuleEvaluation(sessionID, userID string, dr *rules.DetectionResult) int {
	payload := asPayload(dr)
	f := fabric.NewFrame(fabric.FrameRuleEvaluationResult, payload)

	channels := []string{}
	if sessionID != "" {
		channels = append(channels, fabric.SessionChannel(sessionID))
	}
	if userID != "" {
		channels = append(channels, fabric.UserChannel(userID))
	}
	if len(channels) == 0 {
		return 0
	}
	n := s.hub.SendToSubscriptions(channels, f)
	s.logger.Debug("published rule evaluation",
		"transaction_id", dr.TransactionID, "connections", n)
	return n
}

// PublishDecisionAnalysis sends an agent's decision analysis to a session.
func (s *Streamer) PublishDecisionAnalysis(sessionID string, analysis map[string]any) int {
	f := fabric.NewFrame(fabric.FrameDecisionAnalysisResult, analysis)
	return s.hub.SendToSubscriptions([]string{fabric.SessionChannel(sessionID)}, f)
}

// PublishConsensusUpdate sends a session-scoped consensus state change.
func (s *Streamer) PublishConsensusUpdate(sessionID string, update map[string]any) int {
	f := fabric.NewFrame(fabric.FrameConsensusUpdate, update)
	return s.hub.SendToSubscriptions([]string{fabric.SessionChannel(sessionID)}, f)
}

// PublishLearningFeedback routes model feedback to the target user.
func (s *Streamer) PublishLearningFeedback(userID string, feedback map[string]any) int {
	f := fabric.NewFrame(fabric.FrameLearningFeedback, feedback)
	f.RecipientID = userID
	return s.hub.SendToUser(userID, f)
}

// PublishSessionUpdate notifies a session's subscribers of membership or state
// changes.
func (s *Streamer) PublishSessionUpdate(sessionID string, update map[string]any) int {
	f := fabric.NewFrame(fabric.FrameSessionUpdate, update)
	return s.hub.SendToSubscriptions([]string{fabric.SessionChannel(sessionID)}, f)
}

// PublishAlert fans an alert out on its severity channel. Alerts derived from
// CRITICAL events additionally require acknowledgment.
func (s *Streamer) PublishAlert(severity event.Severity, payload map[string]any) int {
	f := fabric.NewFrame(fabric.FrameAlert, payload)
	f.RequiresAck = severity == event.SeverityCritical
	ch := fabric.AlertChannel(strings.ToUpper(string(severity)))
	n := s.hub.SendToSubscriptions([]string{ch}, f)
	s.logger.Debug("published alert", "severity", severity, "connections", n)
	return n
}

// PublishEvent routes a compliance event by kind: alerts go to the severity
// channel, everything else broadcasts to authenticated connections.
func (s *Streamer) PublishEvent(ev *event.ComplianceEvent) int {
	payload := map[string]any{
		"event_id":   ev.ID,
		"event_kind": string(ev.Kind),
		"severity":   string(ev.Severity),
		"source":     ev.Source,
		"data":       ev.Data,
	}
	if ev.Kind == event.KindAlert {
		return s.PublishAlert(ev.Severity, payload)
	}
	return s.hub.Broadcast(fabric.NewFrame(fabric.FrameBroadcast, payload))
}

// asPayload converts a struct into the generic frame payload form.
func asPayload(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}
