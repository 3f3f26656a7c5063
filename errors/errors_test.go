package errors

import (
	"errors"
	"testing"
)

func TestIsMatchesType(t *testing.T) {
	err := TransportError("unexpected status %d", 500)
	if !Is(err, Transport) {
		t.Fatalf("expected Is to match Transport")
	}
	if Is(err, Deployment) {
		t.Fatalf("did not expect Is to match Deployment")
	}
}

func TestIsRejectsPlainErrors(t *testing.T) {
	if Is(errors.New("boom"), Configuration) {
		t.Fatalf("a plain error should never match a ClientError type")
	}
}

func TestErrorMessageIncludesType(t *testing.T) {
	err := DeploymentError("copy failed: %s", "disk full")
	want := "deployment: copy failed: disk full"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
