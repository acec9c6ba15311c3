package service

import (
	"reflect"
	"regexp"
	"testing"
)

func ssnPattern() []compiledPattern {
	return []compiledPattern{{
		id:          "ssn",
		re:          regexp.MustCompile(`\d{3}-\d{2}-\d{4}`),
		replacement: "[REDACTED]",
	}}
}

func TestRedactValueNestedPaths(t *testing.T) {
	in := map[string]any{
		"subject": "hello",
		"body":    "ssn 123-45-6789",
		"meta": map[string]any{
			"note": "backup ssn 987-65-4321",
			"n":    float64(3),
		},
		"recipients": []any{"a@example.com", "ssn 111-22-3333"},
	}

	out, fields := redactValue(in, ssnPattern(), "")
	m := out.(map[string]any)

	if m["body"] != "ssn [REDACTED]" {
		t.Errorf("body = %q", m["body"])
	}
	if m["meta"].(map[string]any)["note"] != "backup ssn [REDACTED]" {
		t.Errorf("nested note = %q", m["meta"].(map[string]any)["note"])
	}
	if m["recipients"].([]any)[1] != "ssn [REDACTED]" {
		t.Errorf("slice element = %q", m["recipients"].([]any)[1])
	}
	if m["subject"] != "hello" || m["meta"].(map[string]any)["n"] != float64(3) {
		t.Error("untouched values changed")
	}

	want := []string{"body", "meta.note", "recipients.1"}
	if !reflect.DeepEqual(fields, want) {
		t.Errorf("fields = %v, want %v", fields, want)
	}
}

func TestRedactValueDoesNotMutateInput(t *testing.T) {
	in := map[string]any{"body": "ssn 123-45-6789"}
	_, _ = redactValue(in, ssnPattern(), "")
	if in["body"] != "ssn 123-45-6789" {
		t.Error("input mutated")
	}
}

func TestRedactValueIdempotent(t *testing.T) {
	in := map[string]any{"body": "ssn 123-45-6789"}
	once, _ := redactValue(in, ssnPattern(), "")
	twice, fields := redactValue(once, ssnPattern(), "")
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("second pass changed output: %v vs %v", once, twice)
	}
	if len(fields) != 0 {
		t.Errorf("second pass reported changes: %v", fields)
	}
}

func TestRedactValueNoPatterns(t *testing.T) {
	in := map[string]any{"body": "ssn 123-45-6789"}
	out, fields := redactValue(in, nil, "")
	if !reflect.DeepEqual(out, in) || len(fields) != 0 {
		t.Errorf("empty pattern set changed data: %v, %v", out, fields)
	}
}

func TestRedactValueScalars(t *testing.T) {
	for _, v := range []any{float64(42), true, nil} {
		out, fields := redactValue(v, ssnPattern(), "x")
		if !reflect.DeepEqual(out, v) || fields != nil {
			t.Errorf("scalar %v changed: %v, %v", v, out, fields)
		}
	}
}
