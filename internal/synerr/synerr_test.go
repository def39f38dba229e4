package synerr

import (
	"errors"
	"testing"
)

func TestWrapPreservesSentinelForErrorsIs(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Wrap(ClassTransient, "uploading file", cause)

	if !errors.Is(err, ErrTransient) {
		t.Fatal("expected errors.Is to find ErrTransient")
	}

	if !Retryable(err) {
		t.Fatal("expected transient error to be retryable")
	}
}

func TestClassOfDefaultsToPermanentForUnclassifiedErrors(t *testing.T) {
	plain := errors.New("boom")
	if ClassOf(plain) != ClassPermanent {
		t.Fatalf("expected ClassPermanent for unclassified error, got %v", ClassOf(plain))
	}
}

func TestErrorMessageOmitsDetailWhenAbsent(t *testing.T) {
	err := New(ClassNotFound, "node missing")
	if err.Error() != "node missing" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}
