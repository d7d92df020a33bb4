package errors

import (
	stderrors "errors"
	"fmt"
	"os"
	"testing"
)

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		name      string
		err       *Error
		code      ErrorCode
		retryable bool
	}{
		{"not found", NotFound("database"), ErrNotFound, false},
		{"conflict", Conflict("name taken"), ErrConflict, false},
		{"persistence", Persistence("write failed", os.ErrPermission), ErrPersistence, true},
		{"corrupt", CorruptManifest("/tmp/manifest", stderrors.New("bad json")), ErrCorruptManifest, false},
		{"invalid id", InvalidID("zz", stderrors.New("invalid UUID length: 2")), ErrInvalidID, false},
		{"validation", Validation("name cannot be empty"), ErrValidationFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code() != tt.code {
				t.Errorf("Code() = %q, want %q", tt.err.Code(), tt.code)
			}
			if got := Retryable(tt.err); got != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", got, tt.retryable)
			}
			wrapped := fmt.Errorf("context: %w", tt.err)
			if !Is(wrapped, tt.code) {
				t.Errorf("Is(wrapped, %q) = false", tt.code)
			}
			if CodeOf(wrapped) != tt.code {
				t.Errorf("CodeOf(wrapped) = %q, want %q", CodeOf(wrapped), tt.code)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := NotFound("database")
	if err.Error() != "database not found" {
		t.Errorf("unexpected message: %q", err.Error())
	}

	cause := os.ErrPermission
	perr := Persistence("failed to write manifest", cause)
	if perr.Error() != "failed to write manifest: "+cause.Error() {
		t.Errorf("unexpected message: %q", perr.Error())
	}
	if !stderrors.Is(perr, os.ErrPermission) {
		t.Error("wrapped cause should be reachable through errors.Is")
	}

	cerr := CorruptManifest("/data/db-list", stderrors.New("eof"))
	if cerr.Details()["path"] != "/data/db-list" {
		t.Errorf("expected path detail, got %v", cerr.Details())
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if CodeOf(stderrors.New("boom")) != "" {
		t.Error("plain errors have no code")
	}
	if Is(nil, ErrNotFound) {
		t.Error("nil is not NotFound")
	}
	if Retryable(nil) {
		t.Error("nil is not retryable")
	}
}
