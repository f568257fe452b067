package tools

import (
	"strings"
	"testing"
)

func TestContainsSensitive(t *testing.T) {
	cases := []struct {
		input string
		want  bool
	}{
		{"the user password is hunter2", true},
		{"PASSWORD=abc", true},
		{"Authorization: Bearer xyz", true},
		{"api_key=sk-123", true},
		{"my ApiKey value", true},
		{"ssn 123-45-6789", true},
		{"plain search results about Go jobs", false},
		{"", false},
		{"passport number", false}, // "passport" does not contain "password"
	}
	for _, tc := range cases {
		if got := ContainsSensitive(tc.input); got != tc.want {
			t.Errorf("ContainsSensitive(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestRedactTextAllOrNothing(t *testing.T) {
	text := `{"company": "Acme", "api_key": "sk-live-123", "note": "confidential"}`
	got := RedactText(text)
	if got != RedactionMarker {
		t.Errorf("expected whole text replaced with marker, got %q", got)
	}
	if strings.Contains(got, "sk-live-123") {
		t.Error("sensitive value survived redaction")
	}

	clean := "12 openings for Go engineers in Berlin"
	if got := RedactText(clean); got != clean {
		t.Errorf("clean text was modified: %q", got)
	}
}

func TestRedactValue(t *testing.T) {
	// Arguments containing a sensitive keyword collapse to the marker string,
	// never a partially-scrubbed map.
	args := map[string]interface{}{
		"url":      "https://jobs.example.com/apply",
		"password": "hunter2",
	}
	got := RedactValue(args)
	marker, ok := got.(string)
	if !ok {
		t.Fatalf("expected marker string, got %T", got)
	}
	if marker != RedactionMarker {
		t.Errorf("expected %q, got %q", RedactionMarker, marker)
	}

	clean := map[string]interface{}{"query": "golang remote", "limit": 5}
	if got := RedactValue(clean); got.(map[string]interface{})["query"] != "golang remote" {
		t.Errorf("clean arguments were modified: %v", got)
	}
}
