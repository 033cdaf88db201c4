package main

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestParseArgsRecognizesScalars(t *testing.T) {
	got, err := parseArgs([]string{"count=3", "deep=true", "name=oak_log"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]interface{}{"count": 3.0, "deep": true, "name": "oak_log"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// TestParseArgsMatchesJSONDecoding pins the round-trip property: for a
// JSON value payload, parseArgs agrees with a plain JSON decode of it.
func TestParseArgsMatchesJSONDecoding(t *testing.T) {
	payloads := []string{`{"x":1,"y":64}`, `[1,2,3]`, `"quoted"`, `12.5`, `null`}
	for _, p := range payloads {
		got, err := parseArgs([]string{"k=" + p})
		if err != nil {
			t.Fatalf("parseArgs(%q) failed: %v", p, err)
		}
		var want interface{}
		if err := json.Unmarshal([]byte(p), &want); err != nil {
			t.Fatalf("bad test payload %q: %v", p, err)
		}
		if !reflect.DeepEqual(got["k"], want) {
			t.Fatalf("payload %q: parseArgs gave %v, JSON decode gives %v", p, got["k"], want)
		}
	}
}

func TestParseArgsRejectsMissingEquals(t *testing.T) {
	if _, err := parseArgs([]string{"noequals"}); err == nil {
		t.Fatal("expected an error for a pair without '='")
	}
}

func TestParseArgsKeepsUnparseableValueAsString(t *testing.T) {
	got, err := parseArgs([]string{"target={not json"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["target"] != "{not json" {
		t.Fatalf("got %v", got["target"])
	}
}
