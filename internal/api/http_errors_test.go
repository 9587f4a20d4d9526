package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/trellis-data/labflow/internal/core"
)

func TestHTTPStatusForDomainError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		ok     bool
	}{
		{"plain error", errors.New("boom"), 0, false},
		{"validation", core.ErrValidation(core.CodeEmptyPrompt, "empty"), http.StatusUnprocessableEntity, true},
		{"not found", core.ErrNotFound("sequence", "s"), http.StatusNotFound, true},
		{"busy", core.ErrSequenceBusy("s"), http.StatusConflict, true},
		{"clarification", core.ErrClarification("which file?"), http.StatusConflict, true},
		{"network", core.ErrNetwork("down"), http.StatusBadGateway, true},
		{"execution", core.ErrExecution(core.CodeExecuteFailed, "atom failed"), http.StatusBadGateway, true},
		{"timeout", core.ErrTimeout("slow"), http.StatusGatewayTimeout, true},
		{"wrapped", fmt.Errorf("loading: %w", core.ErrNotFound("sequence", "s")), http.StatusNotFound, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, ok := httpStatusForDomainError(tt.err)
			if ok != tt.ok || status != tt.status {
				t.Fatalf("httpStatusForDomainError() = (%d, %v), want (%d, %v)", status, ok, tt.status, tt.ok)
			}
		})
	}
}
