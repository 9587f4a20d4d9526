package core

import (
	"encoding/json"
	"strings"
)

// InboundMessage is one user turn received over the workflow stream.
type InboundMessage struct {
	Message        string                     `json:"message"`
	AvailableFiles []string                   `json:"available_files"`
	ProjectContext map[string]json.RawMessage `json:"project_context,omitempty"`
	UserID         string                     `json:"user_id"`
	SessionID      *string                    `json:"session_id,omitempty"`
	ChatID         *string                    `json:"chat_id,omitempty"`
	HistorySummary *string                    `json:"history_summary,omitempty"`
	MentionedFiles []string                   `json:"mentioned_files"`
}

// UnmarshalJSON decodes the wire form and normalizes mentioned_files.
func (m *InboundMessage) UnmarshalJSON(data []byte) error {
	type wire struct {
		Message        string          `json:"message"`
		AvailableFiles json.RawMessage `json:"available_files"`
		ProjectContext json.RawMessage `json:"project_context"`
		UserID         string          `json:"user_id"`
		SessionID      *string         `json:"session_id"`
		ChatID         *string         `json:"chat_id"`
		HistorySummary *string         `json:"history_summary"`
		MentionedFiles json.RawMessage `json:"mentioned_files"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var ctx map[string]json.RawMessage
	if len(w.ProjectContext) > 0 {
		// Non-object project contexts are ignored.
		_ = json.Unmarshal(w.ProjectContext, &ctx)
	}

	*m = InboundMessage{
		Message:        w.Message,
		AvailableFiles: NormalizeFileList(w.AvailableFiles),
		ProjectContext: ctx,
		UserID:         w.UserID,
		SessionID:      w.SessionID,
		ChatID:         w.ChatID,
		HistorySummary: w.HistorySummary,
		MentionedFiles: NormalizeFileList(w.MentionedFiles),
	}
	return nil
}

// ParseInboundMessage decodes and validates a raw frame.
func ParseInboundMessage(data []byte) (InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return InboundMessage{}, ErrValidation(CodeInvalidMessage, "message is not a valid JSON object").WithCause(err)
	}
	if strings.TrimSpace(msg.Message) == "" {
		return InboundMessage{}, ErrValidation(CodeEmptyPrompt, "message must not be empty")
	}
	if len(msg.Message) > MaxPromptLength {
		return InboundMessage{}, ErrValidation(CodePromptTooLong, "message exceeds maximum length")
	}
	return msg, nil
}

// ProjectScope extracts the (client, app, project) triple from project_context.
// Both snake_case and short keys are accepted.
func (m InboundMessage) ProjectScope() ExecutionContext {
	get := func(keys ...string) string {
		for _, k := range keys {
			if s, ok := ValueFromJSON(m.ProjectContext[k]).AsString(); ok && s != "" {
				return strings.TrimSpace(s)
			}
		}
		return ""
	}
	return ExecutionContext{
		ClientName:  get("client_name", "client"),
		AppName:     get("app_name", "app"),
		ProjectName: get("project_name", "project"),
	}
}

// Summary returns the history summary or an empty string.
func (m InboundMessage) Summary() string {
	if m.HistorySummary == nil {
		return ""
	}
	return *m.HistorySummary
}

// Session returns the session id or an empty string.
func (m InboundMessage) Session() string {
	if m.SessionID == nil {
		return ""
	}
	return *m.SessionID
}
