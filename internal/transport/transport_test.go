package transport

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsPermanent(t *testing.T) {
	t.Parallel()

	perm := Permanentf("550 rejected: %w", errors.New("no such user"))
	if !IsPermanent(perm) {
		t.Error("Permanentf error should be permanent")
	}

	wrapped := fmt.Errorf("delivery: %w", perm)
	if !IsPermanent(wrapped) {
		t.Error("wrapping must preserve permanence")
	}

	if IsPermanent(errors.New("timeout")) {
		t.Error("plain errors are transient")
	}
	if IsPermanent(nil) {
		t.Error("nil is not permanent")
	}
}
