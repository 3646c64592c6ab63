package ingesterr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestExternalServiceError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("extract: %w", &ExternalServiceError{Op: "list series", Err: cause})

	if !IsExternal(err) {
		t.Fatal("expected IsExternal to be true")
	}
	if !errors.Is(err, cause) {
		t.Error("expected wrapped cause to be reachable")
	}
}

func TestExternalServiceError_MessageIncludesStatus(t *testing.T) {
	err := &ExternalServiceError{Op: "instance tags", StatusCode: 502, Err: errors.New("bad gateway")}
	if !strings.Contains(err.Error(), "status 502") {
		t.Errorf("expected status in message, got %q", err.Error())
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(fmt.Errorf("organization ORGX: %w", ErrNotFound)) {
		t.Error("expected wrapped ErrNotFound to match")
	}
	if IsNotFound(errors.New("other")) {
		t.Error("expected unrelated error not to match")
	}
}

func TestResolutionError_Unwrap(t *testing.T) {
	cause := errors.New("db down")
	err := &ResolutionError{Kind: "organization", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable")
	}
	if err.Error() != "resolve organization: db down" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
