package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
)

func TestHttpStatusForDomainError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantOK     bool
	}{
		{"validation", core.ErrValidation(core.CodeCycleDetected, "bad"), http.StatusUnprocessableEntity, true},
		{"not found", core.ErrNotFound("instance", "x"), http.StatusNotFound, true},
		{"version locked", core.ErrVersionLocked("wf", "1.0.0", "inst"), http.StatusConflict, true},
		{"invalid state", core.ErrState(core.CodeInvalidState, "terminal"), http.StatusConflict, true},
		{"timeout", core.ErrTimeout("timed out"), http.StatusGatewayTimeout, true},
		{"execution (default)", core.ErrExecution(core.CodeDeadEnd, "stuck"), http.StatusInternalServerError, true},
		{"wrapped", fmt.Errorf("loading: %w", core.ErrNotFound("workflow", "w")), http.StatusNotFound, true},
		{"non-domain error", errors.New("plain"), 0, false},
		{"nil error", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, ok := httpStatusForDomainError(tt.err)
			if ok != tt.wantOK {
				t.Errorf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
		})
	}
}
