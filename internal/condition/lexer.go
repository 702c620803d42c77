package condition

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokTrue
	tokFalse
	tokNull
	tokEq
	tokNeq
	tokLt
	tokLte
	tokGt
	tokGte
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of expression"
	}
	return fmt.Sprintf("%q", t.text)
}

// lex splits an expression into tokens. Identifiers may contain dots, dashes and underscores.
func lex(input string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(input) {
		c := rune(input[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case c == '=' || c == '!' || c == '<' || c == '>':
			two := ""
			if i+1 < len(input) {
				two = input[i : i+2]
			}
			switch two {
			case "==":
				tokens = append(tokens, token{tokEq, two, i})
				i += 2
				continue
			case "!=":
				tokens = append(tokens, token{tokNeq, two, i})
				i += 2
				continue
			case "<=":
				tokens = append(tokens, token{tokLte, two, i})
				i += 2
				continue
			case ">=":
				tokens = append(tokens, token{tokGte, two, i})
				i += 2
				continue
			}
			switch c {
			case '<':
				tokens = append(tokens, token{tokLt, "<", i})
			case '>':
				tokens = append(tokens, token{tokGt, ">", i})
			case '!':
				tokens = append(tokens, token{tokNot, "!", i})
			default:
				return nil, fmt.Errorf("unexpected %q at %d (use == for equality)", c, i)
			}
			i++
		case c == '&' || c == '|':
			if i+1 >= len(input) || rune(input[i+1]) != c {
				return nil, fmt.Errorf("unexpected %q at %d", c, i)
			}
			kind := tokAnd
			if c == '|' {
				kind = tokOr
			}
			tokens = append(tokens, token{kind, input[i : i+2], i})
			i += 2
		case c == '"' || c == '\'':
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < len(input) {
				ch := input[i]
				if ch == '\\' && i+1 < len(input) {
					sb.WriteByte(input[i+1])
					i += 2
					continue
				}
				if rune(ch) == c {
					closed = true
					i++
					break
				}
				sb.WriteByte(ch)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string starting at %d", start)
			}
			tokens = append(tokens, token{tokString, sb.String(), start})
		case unicode.IsDigit(c) || (c == '-' && i+1 < len(input) && unicode.IsDigit(rune(input[i+1]))):
			start := i
			i++
			for i < len(input) && (unicode.IsDigit(rune(input[i])) || input[i] == '.') {
				i++
			}
			tokens = append(tokens, token{tokNumber, input[start:i], start})
		case unicode.IsLetter(c) || c == '_':
			start := i
			for i < len(input) && isIdentRune(rune(input[i])) {
				i++
			}
			word := input[start:i]
			switch word {
			case "true":
				tokens = append(tokens, token{tokTrue, word, start})
			case "false":
				tokens = append(tokens, token{tokFalse, word, start})
			case "null":
				tokens = append(tokens, token{tokNull, word, start})
			default:
				if strings.HasSuffix(word, ".") || strings.Contains(word, "..") {
					return nil, fmt.Errorf("malformed path %q at %d", word, start)
				}
				tokens = append(tokens, token{tokIdent, word, start})
			}
		default:
			return nil, fmt.Errorf("unexpected %q at %d", c, i)
		}
	}
	tokens = append(tokens, token{tokEOF, "", len(input)})
	return tokens, nil
}

func isIdentRune(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '.' || c == '-'
}
