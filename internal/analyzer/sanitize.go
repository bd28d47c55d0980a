package analyzer

import "strings"

// Sanitize makes a best effort at turning a raw model response into JSON:
// strip surrounding markdown fences, trim, drop trailing commas before a
// closing brace or bracket, and close an unterminated string when the
// unescaped quote count is odd. It never fails; the parser decides whether
// the result is acceptable.
func Sanitize(raw string) string {
	s := stripFences(strings.TrimSpace(raw))
	s = repairTrailingCommas(s)
	return closeOddQuote(s)
}

// stripFences removes one layer of ```...``` fencing, with or without a
// language tag, and tolerates prose before the fence by starting at the
// first fence when one exists.
func stripFences(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	body := s[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		tag := strings.TrimSpace(body[:nl])
		if tag == "" || isFenceTag(tag) {
			body = body[nl+1:]
		}
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

func isFenceTag(tag string) bool {
	for _, r := range tag {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// repairTrailingCommas removes commas that directly precede a closing brace
// or bracket, outside of string literals.
func repairTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// closeOddQuote appends a closing quote when the number of unescaped quotes
// is odd, a common truncation failure.
func closeOddQuote(s string) string {
	count := 0
	escaped := false
	for i := 0; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\':
			escaped = true
		case s[i] == '"':
			count++
		}
	}
	if count%2 == 1 {
		return s + `"`
	}
	return s
}
