package core

import (
	"errors"
	"strings"
	"testing"
)

func TestParseInboundMessage(t *testing.T) {
	raw := `{
		"message": "merge sales with regions",
		"available_files": ["acme/app/proj/sales.csv", "acme/app/proj/regions.csv"],
		"project_context": {"client_name": "acme", "app_name": "app", "project": "proj"},
		"user_id": "u-1",
		"session_id": "s-1",
		"history_summary": "loaded two files",
		"mentioned_files": "acme/app/proj/sales.csv"
	}`

	msg, err := ParseInboundMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseInboundMessage() error = %v", err)
	}
	if len(msg.AvailableFiles) != 2 {
		t.Errorf("AvailableFiles = %v", msg.AvailableFiles)
	}
	if len(msg.MentionedFiles) != 1 || msg.MentionedFiles[0] != "acme/app/proj/sales.csv" {
		t.Errorf("MentionedFiles = %v", msg.MentionedFiles)
	}
	if got := msg.ProjectScope(); got != (ExecutionContext{ClientName: "acme", AppName: "app", ProjectName: "proj"}) {
		t.Errorf("ProjectScope() = %+v", got)
	}
	if msg.Session() != "s-1" || msg.Summary() != "loaded two files" {
		t.Errorf("Session/Summary = %q/%q", msg.Session(), msg.Summary())
	}
}

func TestParseInboundMessage_OptionalFieldsAbsent(t *testing.T) {
	msg, err := ParseInboundMessage([]byte(`{"message":"explore the data","user_id":"u"}`))
	if err != nil {
		t.Fatalf("ParseInboundMessage() error = %v", err)
	}
	if msg.SessionID != nil || msg.ChatID != nil || msg.HistorySummary != nil {
		t.Errorf("optional fields should stay nil")
	}
	if msg.MentionedFiles == nil || len(msg.MentionedFiles) != 0 {
		t.Errorf("MentionedFiles = %#v, want empty", msg.MentionedFiles)
	}
	if !msg.ProjectScope().IsZero() {
		t.Errorf("ProjectScope() should be zero")
	}
}

func TestParseInboundMessage_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		code string
	}{
		{"not json", `merge please`, CodeInvalidMessage},
		{"array", `["x"]`, CodeInvalidMessage},
		{"empty message", `{"message":"   "}`, CodeEmptyPrompt},
		{"too long", `{"message":"` + strings.Repeat("a", MaxPromptLength+1) + `"}`, CodePromptTooLong},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseInboundMessage([]byte(tt.raw))
			var de *DomainError
			if !errors.As(err, &de) || de.Code != tt.code {
				t.Errorf("error = %v, want code %s", err, tt.code)
			}
		})
	}
}

func TestFileInventory_Lookup(t *testing.T) {
	inv := FileInventory{
		"acme/app/proj/sales.csv":   {DisplayName: "Sales 2024", Columns: []string{"region_id", "revenue"}},
		"acme/app/proj/regions.csv": {DisplayName: "Regions"},
	}
	if p, _, ok := inv.Lookup("sales.csv"); !ok || p != "acme/app/proj/sales.csv" {
		t.Errorf("Lookup(base name) = %q, %v", p, ok)
	}
	if p, _, ok := inv.Lookup("regions"); !ok || p != "acme/app/proj/regions.csv" {
		t.Errorf("Lookup(display name) = %q, %v", p, ok)
	}
	if _, _, ok := inv.Lookup("costs.csv"); ok {
		t.Errorf("Lookup(unknown) should fail")
	}
	if got := inv.Paths(); got[0] != "acme/app/proj/regions.csv" {
		t.Errorf("Paths() = %v, want sorted", got)
	}
}

func TestExecutionContext_Prefix(t *testing.T) {
	if got := (ExecutionContext{ClientName: "acme", AppName: "app", ProjectName: "proj"}).Prefix(); got != "acme/app/proj/" {
		t.Errorf("Prefix() = %q", got)
	}
	if got := (ExecutionContext{}).Prefix(); got != "" {
		t.Errorf("zero Prefix() = %q", got)
	}
}
