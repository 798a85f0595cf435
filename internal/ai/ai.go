// Package ai wraps the language model: conversation decisions with tool
// calling, audio transcription and image captioning.
package ai

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
)

// DecisionType tells whether the model answered with text or asked for a tool.
type DecisionType string

const (
	DecisionText     DecisionType = "text"
	DecisionToolCall DecisionType = "tool_call"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	Name      string
	Arguments json.RawMessage
}

// Decision is the model's next move in a conversation.
type Decision struct {
	Type     DecisionType
	Segments []string
	ToolCall *ToolCall
}

// ToolSpec advertises a callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema of the arguments
}

// DecisionMaker picks the next move given the conversation so far.
// History is chronological; RoleSystem entries are instructions.
type DecisionMaker interface {
	Decide(ctx context.Context, history []model.Message, systemPrompt string) (Decision, error)
}

// Transcriber turns a voice note into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// Captioner describes an image in a sentence or two.
type Captioner interface {
	Caption(ctx context.Context, image []byte, mimeType string) (string, error)
}

// SplitSegments breaks a reply into WhatsApp-sized messages on blank lines.
func SplitSegments(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var segments []string
	for _, part := range strings.Split(text, "\n\n") {
		if part = strings.TrimSpace(part); part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}

// NudgeInstruction is the synthetic system turn appended for a nudge.
func NudgeInstruction(nudge int) model.Message {
	return instruction("The lead has not answered your last message. This is follow-up number " +
		strconv.Itoa(nudge) + ". Write one short, natural re-engagement message that continues the conversation. " +
		"Do not pitch a meeting and do not call any tool.")
}

// MorningInstruction is the synthetic system turn appended by the morning sweep.
func MorningInstruction() model.Message {
	return instruction("It is a new day and the lead did not answer yesterday. Greet them warmly, " +
		"reference yesterday's topic and invite a reply while the 24 hour window is open. " +
		"Keep it short and do not call any tool.")
}

func instruction(text string) model.Message {
	return model.Message{Role: model.RoleSystem, Content: text, MessageType: model.MessageTypeText}
}
