package util

import "testing"

func TestSanitizePostgresText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "plain utf8",
			input: "hello world",
			want:  "hello world",
		},
		{
			name:  "contains null byte",
			input: "hel\x00lo",
			want:  "hello",
		},
		{
			name:  "contains invalid utf8",
			input: string([]byte{'a', 0xff, 'b'}),
			want:  "ab",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizePostgresText(tt.input)
			if got != tt.want {
				t.Fatalf("unexpected sanitized value: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCollapseWhitespace(t *testing.T) {
	got := CollapseWhitespace("  New\t York \n City ")
	if got != "New York City" {
		t.Fatalf("unexpected value: %q", got)
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := TruncateRunes("Zürich", 3); got != "Zür" {
		t.Fatalf("unexpected truncation: %q", got)
	}
	if got := TruncateRunes("abc", 0); got != "abc" {
		t.Fatalf("limit 0 must not truncate: %q", got)
	}
	if got := TruncateRunes("abc", 10); got != "abc" {
		t.Fatalf("short input must stay unchanged: %q", got)
	}
}
