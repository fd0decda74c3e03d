package query

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuoted
	tokPlaceholder
	tokPositional
	tokSemicolon
	tokDot
	tokOther
)

type token struct {
	kind  tokenKind
	text  string // lower-cased for words, unquoted for quoted identifiers, the name for placeholders
	start int
	end   int
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// lex splits a SQL template into the tokens relevant for analysis. String
// literals, dollar quoted strings and comments produce no tokens, so
// placeholders and keywords inside them are ignored. A double colon is a
// cast, never a placeholder.
func lex(src string) ([]token, error) {
	var tokens []token
	n := len(src)
	for i := 0; i < n; {
		c := src[i]
		switch {
		case c == '\'':
			end, err := skipQuoted(src, i, '\'')
			if err != nil {
				return nil, err
			}
			i = end
		case c == '"':
			end, err := skipQuoted(src, i, '"')
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokQuoted, text: strings.ReplaceAll(src[i+1:end-1], `""`, `"`), start: i, end: end})
			i = end
		case c == '-' && i+1 < n && src[i+1] == '-':
			for i < n && src[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("unterminated comment at offset %d", i)
			}
			i += end + 4
		case c == '$':
			j := i + 1
			for j < n && src[j] >= '0' && src[j] <= '9' {
				j++
			}
			if j > i+1 {
				tokens = append(tokens, token{kind: tokPositional, text: src[i:j], start: i, end: j})
				i = j
				continue
			}
			j = i + 1
			for j < n && isIdentChar(src[j]) {
				j++
			}
			if j < n && src[j] == '$' {
				tag := src[i : j+1]
				end := strings.Index(src[j+1:], tag)
				if end < 0 {
					return nil, fmt.Errorf("unterminated dollar quoted string at offset %d", i)
				}
				i = j + 1 + end + len(tag)
				continue
			}
			tokens = append(tokens, token{kind: tokOther, text: "$", start: i, end: i + 1})
			i++
		case c == ':':
			if i+1 < n && src[i+1] == ':' {
				i += 2
				continue
			}
			if i+1 < n && isIdentStart(src[i+1]) {
				j := i + 1
				for j < n && isIdentChar(src[j]) {
					j++
				}
				tokens = append(tokens, token{kind: tokPlaceholder, text: src[i+1 : j], start: i, end: j})
				i = j
				continue
			}
			tokens = append(tokens, token{kind: tokOther, text: ":", start: i, end: i + 1})
			i++
		case isIdentStart(c):
			j := i
			for j < n && (isIdentChar(src[j]) || src[j] == '$') {
				j++
			}
			tokens = append(tokens, token{kind: tokWord, text: strings.ToLower(src[i:j]), start: i, end: j})
			i = j
		case c >= '0' && c <= '9':
			for i < n && (isIdentChar(src[i]) || src[i] == '.') {
				i++
			}
		case c == ';':
			tokens = append(tokens, token{kind: tokSemicolon, text: ";", start: i, end: i + 1})
			i++
		case c == '.':
			tokens = append(tokens, token{kind: tokDot, text: ".", start: i, end: i + 1})
			i++
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		default:
			tokens = append(tokens, token{kind: tokOther, text: string(c), start: i, end: i + 1})
			i++
		}
	}
	return tokens, nil
}

// skipQuoted returns the offset after the literal starting at i. A doubled
// quote character is an escaped quote.
func skipQuoted(src string, i int, quote byte) (int, error) {
	for j := i + 1; j < len(src); j++ {
		if src[j] == quote {
			if j+1 < len(src) && src[j+1] == quote {
				j++
				continue
			}
			return j + 1, nil
		}
	}
	return 0, fmt.Errorf("unterminated literal at offset %d", i)
}

// ExtractPlaceholders returns the distinct :name placeholders of a template
// in order of first occurrence.
func ExtractPlaceholders(template string) ([]string, error) {
	tokens, err := lex(template)
	if err != nil {
		return nil, err
	}
	return placeholders(tokens), nil
}

func placeholders(tokens []token) []string {
	names := []string{}
	seen := map[string]bool{}
	for _, t := range tokens {
		if t.kind == tokPlaceholder && !seen[t.text] {
			seen[t.text] = true
			names = append(names, t.text)
		}
	}
	return names
}

// rewrite replaces every :name with $k, k being the position of name in order.
func rewrite(src string, tokens []token, order []string) string {
	index := make(map[string]int, len(order))
	for i, name := range order {
		index[name] = i + 1
	}
	var b strings.Builder
	last := 0
	for _, t := range tokens {
		if t.kind != tokPlaceholder {
			continue
		}
		b.WriteString(src[last:t.start])
		fmt.Fprintf(&b, "$%d", index[t.text])
		last = t.end
	}
	b.WriteString(src[last:])
	return b.String()
}
