package errors

import (
	"encoding/json"
	stderrors "errors"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := New(CodeSandboxTransport, "sandbox unreachable", cause)

	want := "[SANDBOX_TRANSPORT_ERROR] sandbox unreachable: connection refused"
	if err.Error() != want {
		t.Fatalf("unexpected error string: %s", err.Error())
	}
	if !stderrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through Unwrap")
	}
}

func TestWithContextChaining(t *testing.T) {
	err := New(CodeSkillNotFound, "no such skill", nil).
		WithContext("skill", "mystery").
		WithRecoverable(true)

	if err.Context["skill"] != "mystery" {
		t.Fatalf("context not recorded: %v", err.Context)
	}
	if !err.Recoverable {
		t.Fatalf("expected recoverable")
	}
	if err.StatusCode != 404 {
		t.Fatalf("unexpected status code: %d", err.StatusCode)
	}
}

func TestAsAtriumError(t *testing.T) {
	plain := stderrors.New("boom")
	wrapped := AsAtriumError(plain)
	if wrapped.Code != CodeInternal {
		t.Fatalf("expected internal code, got %s", wrapped.Code)
	}

	typed := New(CodePersistence, "write failed", nil)
	if AsAtriumError(typed) != typed {
		t.Fatalf("expected identity for typed errors")
	}
	if AsAtriumError(nil) != nil {
		t.Fatalf("expected nil for nil")
	}
}

func TestMarshalJSON(t *testing.T) {
	err := New(CodeIterationBound, "limit reached", nil).WithContext("max", 10)
	data, merr := json.Marshal(err)
	if merr != nil {
		t.Fatalf("marshal: %v", merr)
	}
	var decoded map[string]any
	if uerr := json.Unmarshal(data, &decoded); uerr != nil {
		t.Fatalf("unmarshal: %v", uerr)
	}
	if decoded["code"] != "ITERATION_BOUND_EXCEEDED" {
		t.Fatalf("unexpected code field: %v", decoded["code"])
	}
}
