package service

import (
	"testing"
)

func TestExtractJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain", `{"a":1}`, `{"a":1}`, false},
		{"code block", "Here you go:\n```json\n{\"a\": 1}\n```\nDone.", `{"a": 1}`, false},
		{"bare code block", "```\n{\"a\": 1}\n```", `{"a": 1}`, false},
		{"prose around", `Sure! {"a": {"b": 2}} hope it helps`, `{"a": {"b": 2}}`, false},
		{"trailing comma", "{\"a\": [1, 2,],\n}", "{\"a\": [1, 2]}", false},
		{"line comment", "{\n  // the answer\n  \"a\": 1\n}", "{\n\n  \"a\": 1\n}", false},
		{"block comment", `{"a": /* one */ 1}`, `{"a":  1}`, false},
		{"none", "no json here", "", true},
		{"broken", `{"a": }`, "", true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ExtractJSON(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ExtractJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()
	var v struct {
		Decision string `json:"decision"`
	}
	if err := DecodeJSON("```json\n{\"decision\": \"continue\",}\n```", &v); err != nil {
		t.Fatalf("DecodeJSON() error = %v", err)
	}
	if v.Decision != "continue" {
		t.Errorf("Decision = %q", v.Decision)
	}
	if err := DecodeJSON(`{"decision": 5}`, &v); err == nil {
		t.Error("DecodeJSON() should fail on type mismatch")
	}
}
