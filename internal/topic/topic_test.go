package topic

import (
	"errors"
	"testing"
)

// S1 from spec.md §8: key order must not affect the canonical string.
func TestBuild_CanonicalOrderIndependent(t *testing.T) {
	a, err := Build("bars", map[string]any{"symbol": "AAPL", "resolution": "1"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b, err := Build("bars", map[string]any{"resolution": "1", "symbol": "AAPL"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := `bars:{"resolution":"1","symbol":"AAPL"}`
	if a != want {
		t.Fatalf("a = %q, want %q", a, want)
	}
	if a != b {
		t.Fatalf("canonicalization not order independent: %q != %q", a, b)
	}
}

func TestBuild_ExecutionsTopic(t *testing.T) {
	got, err := Build("executions", struct {
		AccountID string `json:"accountId"`
		Symbol    string `json:"symbol"`
	}{AccountID: "TEST-001", Symbol: "AAPL"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := `executions:{"accountId":"TEST-001","symbol":"AAPL"}`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuild_NullBecomesEmptyString(t *testing.T) {
	got, err := Build("quotes", map[string]any{"symbols": []string{"AAPL"}, "extra": nil})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := `quotes:{"extra":,"symbols":["AAPL"]}`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuild_NestedObjectsAndArrays(t *testing.T) {
	got, err := Build("r", map[string]any{
		"b": []any{1, 2, map[string]any{"z": "y", "a": "x"}},
		"a": "first",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := `r:{"a":"first","b":[1,2,{"a":"x","z":"y"}]}`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

// Idempotence law from spec.md §8: canonical(parse(canonical(x))) == canonical(x).
func TestBuild_Idempotent(t *testing.T) {
	params := map[string]any{"symbol": "AAPL", "resolution": "5"}
	first, err := Build("bars", params)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Re-derive params from the canonical string's payload and rebuild.
	_, reparsed, err := Split(first)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	second, err := Build("bars", reparsed)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if first != second {
		t.Fatalf("not idempotent: %q != %q", first, second)
	}
}

func TestBuild_InvalidParams(t *testing.T) {
	_, err := Build("bars", map[string]any{"fn": func() {}})
	if err == nil {
		t.Fatalf("expected error for unrepresentable value")
	}
	var ipe *InvalidParamsError
	if !errors.As(err, &ipe) {
		t.Fatalf("expected *InvalidParamsError, got %T: %v", err, err)
	}
}
