package analyzer

import (
	"encoding/json"
	"testing"
)

func TestSanitizeStripsFences(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"fenced", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced with tag", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prose before fence", "Here you go:\n```json\n{\"a\":1}\n```", `{"a":1}`},
		{"whitespace", "  \n {\"a\":1} \n ", `{"a":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Sanitize(tc.in); got != tc.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSanitizeRepairsTrailingCommas(t *testing.T) {
	in := `{"entities":[{"a":1},],"relationships":[],}`
	got := Sanitize(in)
	var v any
	if err := json.Unmarshal([]byte(got), &v); err != nil {
		t.Fatalf("repaired output still invalid: %v (%q)", err, got)
	}
}

func TestSanitizeLeavesCommasInsideStrings(t *testing.T) {
	in := `{"s":"a, ]","n":1}`
	if got := Sanitize(in); got != in {
		t.Errorf("string content mangled: %q", got)
	}
}

func TestSanitizeClosesOddQuote(t *testing.T) {
	in := `{"name":"truncated`
	got := Sanitize(in)
	if got != `{"name":"truncated"` {
		t.Errorf("odd quote not closed: %q", got)
	}
	// Escaped quotes do not count.
	balanced := `{"s":"say \"hi\""}`
	if got := Sanitize(balanced); got != balanced {
		t.Errorf("escaped quotes miscounted: %q", got)
	}
}
