package normalize

import "strings"

// Tokenize splits command text on whitespace, collapsing runs, and keeps
// double-quoted spans together as one token. An unterminated quote runs to
// the end of the text.
//
//	cmd a "b c"   ->  [cmd a "b c" without quotes]
func Tokenize(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out []string
		buf strings.Builder
		inQ bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for _, r := range s {
		if inQ {
			if r == '"' {
				inQ = false
				continue
			}
			buf.WriteRune(r)
			continue
		}
		switch r {
		case '"':
			inQ = true
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteRune(r)
		}
	}
	flush()
	return out
}

// ParseNamed builds the -key value map from parameter tokens.
//
// A token starting with '-' opens a key. The non-flag tokens that follow are
// joined with single spaces as its value; a repeated key keeps the last value.
// Tokens before the first flag are stored under "".
func ParseNamed(tokens []string) map[string]string {
	out := map[string]string{}
	key := ""
	var vals []string
	open := false
	commit := func() {
		if !open && len(vals) == 0 {
			return
		}
		out[key] = strings.Join(vals, " ")
	}
	for _, tok := range tokens {
		if isFlagToken(tok) {
			commit()
			key = tok[1:]
			vals = vals[:0]
			open = true
			continue
		}
		vals = append(vals, tok)
	}
	commit()
	return out
}

// isFlagToken treats "-x..." as a flag but leaves "-" and negative numbers
// as values.
func isFlagToken(tok string) bool {
	if len(tok) < 2 || tok[0] != '-' {
		return false
	}
	c := tok[1]
	if c >= '0' && c <= '9' {
		return false
	}
	return true
}
