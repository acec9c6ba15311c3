package trust

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	if got := KindOf(E(KindAuth, "op", errors.New("x"))); got != KindAuth {
		t.Errorf("KindOf tagged = %v, want %v", got, KindAuth)
	}
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("KindOf untagged = %v, want %v", got, KindInternal)
	}
	wrapped := fmt.Errorf("outer: %w", Errorf(KindPolicy, "op", "bad rule"))
	if got := KindOf(wrapped); got != KindPolicy {
		t.Errorf("KindOf wrapped = %v, want %v", got, KindPolicy)
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(Transient("call", 503, errors.New("unavailable"))) {
		t.Error("Transient error not classified as transient")
	}
	if IsTransient(Permanent("call", 400, errors.New("bad request"))) {
		t.Error("Permanent error classified as transient")
	}
	if IsTransient(Constraint("insert", errors.New("unique"))) {
		t.Error("constraint error classified as transient")
	}
	if IsTransient(errors.New("plain")) {
		t.Error("plain error classified as transient")
	}
}

func TestIsConstraintViolation(t *testing.T) {
	err := fmt.Errorf("store: %w", Constraint("insert", errors.New("UNIQUE constraint failed")))
	if !IsConstraintViolation(err) {
		t.Error("wrapped constraint error not detected")
	}
	if IsConstraintViolation(E(KindStore, "insert", errors.New("disk full"))) {
		t.Error("plain store error detected as constraint violation")
	}
}

func TestErrorString(t *testing.T) {
	e := E(KindProvider, "gmail.list", errors.New("timeout"))
	want := "provider: gmail.list: timeout"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
}
