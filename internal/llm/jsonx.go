package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Parse outcomes. Every LLM response is untrusted bytes; consumers must handle
// all three cases.
type ParseOutcome int

const (
	// Parsed means the payload decoded directly (possibly after fence
	// stripping or brace wrapping).
	Parsed ParseOutcome = iota
	// Repaired means the payload only decoded after truncation repair.
	Repaired
	// Unparsed means no JSON object could be recovered; Raw holds the
	// cleaned text for field-level regex extraction.
	Unparsed
)

// ParseResult is the sum-typed outcome of ExtractJSON.
type ParseResult struct {
	Outcome ParseOutcome
	// JSON is the recovered object, valid only when Outcome != Unparsed.
	JSON []byte
	// Raw is the fence-stripped input text.
	Raw string
}

// Decode unmarshals the recovered object into v. It fails on Unparsed results.
func (r ParseResult) Decode(v any) error {
	return json.Unmarshal(r.JSON, v)
}

var fenceOpenRE = regexp.MustCompile("^```[a-zA-Z]*\\s*\n?")

// ExtractJSON recovers a JSON object from raw LLM output. Strategies, in
// order: strip markdown fences; direct parse; brace wrapping for outputs that
// dropped the outer braces; balanced-scan extraction of the first object;
// truncation repair (balance quotes, brackets, braces) for cut-off responses.
func ExtractJSON(raw string) ParseResult {
	text := strings.TrimSpace(raw)
	text = stripFences(text)

	if json.Valid([]byte(text)) && strings.HasPrefix(text, "{") {
		return ParseResult{Outcome: Parsed, JSON: []byte(text), Raw: text}
	}

	// Outputs that dropped the outer braces.
	if !strings.HasPrefix(text, "{") && strings.Contains(text, "\":") {
		wrapped := "{" + text + "}"
		if json.Valid([]byte(wrapped)) {
			return ParseResult{Outcome: Parsed, JSON: []byte(wrapped), Raw: text}
		}
	}

	if obj, ok := scanObject(text); ok {
		return ParseResult{Outcome: Parsed, JSON: []byte(obj), Raw: text}
	}

	if start := strings.Index(text, "{"); start >= 0 {
		repaired := repairTruncated(text[start:])
		if json.Valid([]byte(repaired)) {
			return ParseResult{Outcome: Repaired, JSON: []byte(repaired), Raw: text}
		}
	}

	return ParseResult{Outcome: Unparsed, Raw: text}
}

// ExtractStringField pulls a single string field out of near-JSON text with a
// regex, for the final fallback when no object could be recovered.
func ExtractStringField(text, field string) (string, bool) {
	re := regexp.MustCompile(`"` + regexp.QuoteMeta(field) + `"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	var decoded string
	if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &decoded); err != nil {
		return m[1], true
	}
	return decoded, true
}

// ExtractFencedCode returns the bodies of markdown code fences in the text.
func ExtractFencedCode(text string) []string {
	re := regexp.MustCompile("(?s)```[a-zA-Z]*\n?(.*?)```")
	var out []string
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		body := strings.TrimSpace(m[1])
		if body != "" {
			out = append(out, body)
		}
	}
	return out
}

// StripFences removes one surrounding markdown code fence, if present.
func StripFences(text string) string {
	return stripFences(strings.TrimSpace(text))
}

func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	inner := fenceOpenRE.ReplaceAllString(text, "")
	if end := strings.LastIndex(inner, "```"); end >= 0 {
		inner = inner[:end]
	}
	return strings.TrimSpace(inner)
}

// scanObject finds the first balanced top-level JSON object via a
// quote-and-escape-aware brace scan.
func scanObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					candidate := text[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate, true
					}
					return "", false
				}
			}
		}
	}
	return "", false
}

// repairTruncated closes an unterminated string and balances brackets and
// braces so a response cut off mid-generation still decodes.
func repairTruncated(text string) string {
	var sb strings.Builder
	sb.WriteString(text)

	inString := false
	escaped := false
	var stack []byte
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				stack = append(stack, ch)
			}
		case '}':
			if !inString && len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if !inString && len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if inString {
		sb.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			sb.WriteByte('}')
		} else {
			sb.WriteByte(']')
		}
	}
	return sb.String()
}
