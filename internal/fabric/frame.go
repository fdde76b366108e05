package fabric

import (
	"fmt"
	"sync/atomic"
)

// FrameType classifies a WebSocket frame.
type FrameType string

const (
	FrameConnectionEstablished  FrameType = "CONNECTION_ESTABLISHED"
	FrameHeartbeat              FrameType = "HEARTBEAT"
	FrameSubscribe              FrameType = "SUBSCRIBE"
	FrameUnsubscribe            FrameType = "UNSUBSCRIBE"
	FrameBroadcast              FrameType = "BROADCAST"
	FrameDirectMessage          FrameType = "DIRECT_MESSAGE"
	FrameSessionUpdate          FrameType = "SESSION_UPDATE"
	FrameRuleEvaluationResult   FrameType = "RULE_EVALUATION_RESULT"
	FrameDecisionAnalysisResult FrameType = "DECISION_ANALYSIS_RESULT"
	FrameConsensusUpdate        FrameType = "CONSENSUS_UPDATE"
	FrameLearningFeedback       FrameType = "LEARNING_FEEDBACK"
	FrameAlert                  FrameType = "ALERT"
	FrameError                  FrameType = "ERROR"
)

// Frame is the JSON payload of every fabric message.
type Frame struct {
	MessageID   string         `json:"message_id"`
	Type        FrameType      `json:"type"`
	SenderID    string         `json:"sender_id,omitempty"`
	RecipientID string         `json:"recipient_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	RequiresAck bool           `json:"requires_acknowledgment"`
}

var frameCounter atomic.Int64

// NewFrame builds a frame with a process-monotonic message id.
func NewFrame(t FrameType, payload map[string]any) *Frame {
	return &Frame{
		MessageID: fmt.Sprintf("msg_%d", frameCounter.Add(1)),
		Type:      t,
		Payload:   payload,
	}
}

// Reserved channel constructors.

func SessionChannel(sessionID string) string { return "session." + sessionID }
func UserChannel(userID string) string       { return "user." + userID }
func AlertChannel(severity string) string    { return "alerts." + severity }
