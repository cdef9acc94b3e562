package nberr

import (
	"fmt"
	"testing"
)

func TestIsExternalDistinguishesInternal(t *testing.T) {
	protocolErr := New("decode", CategoryProtocol, CodeMalformedPayload, nil)
	if !IsExternal(protocolErr) {
		t.Fatalf("protocol error must be external")
	}
	internalErr := New("write", CategoryInternal, CodeInternalInvariant, nil)
	if IsExternal(internalErr) {
		t.Fatalf("internal error must not be external")
	}
}

func TestIsExternalDefaultsTrueForUnknownErrors(t *testing.T) {
	if !IsExternal(fmt.Errorf("plain error")) {
		t.Fatalf("a non-taxonomy error should default to external")
	}
}

func TestErrorWraps(t *testing.T) {
	cause := fmt.Errorf("boom")
	wrapped := New("write", CategoryInternal, CodeInternalInvariant, cause)
	var target *Error
	if !asError(wrapped, &target) {
		t.Fatalf("expected to unwrap to *Error")
	}
	if target.Err != cause {
		t.Fatalf("expected wrapped cause to be preserved")
	}
}
