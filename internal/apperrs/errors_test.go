package apperrs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeAndStatusThroughWrapping(t *testing.T) {
	base := Conflict(CodeInstanceExists, "instance already exists")
	wrapped := fmt.Errorf("provision: %w", base)

	if !CodeIs(wrapped, CodeInstanceExists) {
		t.Errorf("CodeIs() = false, want true")
	}
	if got := CodeOf(wrapped); got != CodeInstanceExists {
		t.Errorf("CodeOf() = %q, want %q", got, CodeInstanceExists)
	}
	if got := StatusOf(wrapped); got != http.StatusConflict {
		t.Errorf("StatusOf() = %d, want %d", got, http.StatusConflict)
	}
}

func TestUntypedErrorDefaults(t *testing.T) {
	err := errors.New("boom")
	if got := CodeOf(err); got != CodeInternalError {
		t.Errorf("CodeOf() = %q, want %q", got, CodeInternalError)
	}
	if got := StatusOf(err); got != http.StatusInternalServerError {
		t.Errorf("StatusOf() = %d, want 500", got)
	}
}

func TestServerErrorMessage(t *testing.T) {
	err := Server("failed to register instance", errors.New("disk full"))
	if err.Error() != "failed to register instance: disk full" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, err.Err) {
		t.Errorf("Unwrap() did not expose wrapped error")
	}
}
