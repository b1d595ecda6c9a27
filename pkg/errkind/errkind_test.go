package errkind_test

import (
	"errors"
	"testing"

	"crucible/pkg/errkind"
)

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := errkind.Wrap(errkind.Io, "writing block", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find wrapped cause")
	}
	if !errkind.Is(err, errkind.Io) {
		t.Fatalf("expected errkind.Is(err, Io) to be true")
	}
	if errkind.Is(err, errkind.Timeout) {
		t.Fatalf("expected errkind.Is(err, Timeout) to be false")
	}
}

func TestKindOf(t *testing.T) {
	kind, ok := errkind.KindOf(errkind.New(errkind.Validation, "bad params"))
	if !ok || kind != errkind.Validation {
		t.Fatalf("expected Validation, got %v ok=%v", kind, ok)
	}

	_, ok = errkind.KindOf(errors.New("plain error"))
	if ok {
		t.Fatalf("expected ok=false for a plain error")
	}
}
