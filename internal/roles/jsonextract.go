package roles

import (
	"encoding/json"
	"strings"
)

// ExtractJSONBlock pulls a JSON object out of model output. Markdown
// code fences are stripped first; otherwise the first balanced object
// or array is taken.
func ExtractJSONBlock(text string) string {
	text = strings.TrimSpace(text)

	if fenced := extractFenced(text); fenced != "" {
		text = fenced
	}

	if json.Valid([]byte(text)) {
		return text
	}
	return extractBalanced(text)
}

// extractFenced returns the contents of the first ``` fence, if any.
func extractFenced(text string) string {
	start := strings.Index(text, "```")
	if start == -1 {
		return ""
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		// Skip the language tag line (```json etc).
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine == "" || isFenceTag(firstLine) {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end == -1 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

func isFenceTag(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return len(s) <= 10
}

// extractBalanced finds the first balanced {...} or [...] candidate.
func extractBalanced(text string) string {
	start := -1
	var opener, closer byte
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			start = i
			opener = text[i]
			closer = '}'
			if opener == '[' {
				closer = ']'
			}
			break
		}
	}
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
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
		switch c {
		case '"':
			inString = true
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return text[start:]
}

// RepairQuotes re-escapes unescaped double quotes inside JSON string
// values. A quote is treated as terminating its string only when the
// next non-space character is structural (comma, colon, brace or
// bracket); anything else is assumed to be an interior quote the model
// forgot to escape. This is a recovery heuristic, applied only after
// strict parsing fails.
func RepairQuotes(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))

	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		if !inString {
			if c == '"' {
				inString = true
			}
			sb.WriteByte(c)
			continue
		}

		if escaped {
			escaped = false
			sb.WriteByte(c)
			continue
		}

		switch c {
		case '\\':
			escaped = true
			sb.WriteByte(c)
		case '"':
			if quoteTerminates(s, i+1) {
				inString = false
				sb.WriteByte(c)
			} else {
				sb.WriteString(`\"`)
			}
		default:
			sb.WriteByte(c)
		}
	}

	return sb.String()
}

// quoteTerminates reports whether a closing quote at position i-1 is
// followed by structural JSON.
func quoteTerminates(s string, i int) bool {
	for ; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
			continue
		case ',', ':', '}', ']':
			return true
		default:
			return false
		}
	}
	return true
}

// DecodeStrictJSON extracts and unmarshals a JSON object, retrying once
// with quote repair before giving up.
func DecodeStrictJSON(text string, v any) error {
	block := ExtractJSONBlock(text)
	if block == "" {
		block = text
	}

	err := json.Unmarshal([]byte(block), v)
	if err == nil {
		return nil
	}

	if repairErr := json.Unmarshal([]byte(RepairQuotes(block)), v); repairErr == nil {
		return nil
	}
	return err
}
