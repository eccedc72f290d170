package expression

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenType int

const (
	tokEOF tokenType = iota
	tokNumber
	tokString
	tokIdent
	tokTrue
	tokFalse
	tokNull
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokPercent
	tokEq
	tokNeq
	tokLt
	tokLte
	tokGt
	tokGte
	tokAnd
	tokOr
	tokNot
	tokQuestion
	tokColon
	tokDot
	tokComma
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokLBrace
	tokRBrace
	tokArrow
)

type token struct {
	typ tokenType
	lit string
	num float64
	pos int
}

func (t token) String() string {
	switch t.typ {
	case tokEOF:
		return "end of expression"
	case tokNumber, tokString, tokIdent:
		return fmt.Sprintf("%q", t.lit)
	default:
		return fmt.Sprintf("%q", t.lit)
	}
}

// reserved words that the conservative subset rejects outright. These are
// the JavaScript constructs the loader must refuse with ValidationError.
var rejectedKeywords = map[string]bool{
	"function":  true,
	"new":       true,
	"var":       true,
	"let":       true,
	"const":     true,
	"return":    true,
	"typeof":    true,
	"delete":    true,
	"this":      true,
	"undefined": true,
}

type lexer struct {
	src string
	pos int
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	var toks []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.typ == tokEOF {
			return toks, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.pos >= len(l.src) {
		return token{typ: tokEOF, pos: l.pos}, nil
	}
	start := l.pos
	c := l.src[l.pos]

	switch {
	case c >= '0' && c <= '9':
		return l.lexNumber()
	case c == '\'' || c == '"':
		return l.lexString(c)
	case isIdentStart(rune(c)):
		return l.lexIdent()
	}

	two := ""
	if l.pos+1 < len(l.src) {
		two = l.src[l.pos : l.pos+2]
	}
	switch two {
	case "==":
		// === is not part of the subset; fold it into == if present.
		if l.pos+2 < len(l.src) && l.src[l.pos+2] == '=' {
			l.pos += 3
		} else {
			l.pos += 2
		}
		return token{typ: tokEq, lit: "==", pos: start}, nil
	case "!=":
		if l.pos+2 < len(l.src) && l.src[l.pos+2] == '=' {
			l.pos += 3
		} else {
			l.pos += 2
		}
		return token{typ: tokNeq, lit: "!=", pos: start}, nil
	case "<=":
		l.pos += 2
		return token{typ: tokLte, lit: "<=", pos: start}, nil
	case ">=":
		l.pos += 2
		return token{typ: tokGte, lit: ">=", pos: start}, nil
	case "&&":
		l.pos += 2
		return token{typ: tokAnd, lit: "&&", pos: start}, nil
	case "||":
		l.pos += 2
		return token{typ: tokOr, lit: "||", pos: start}, nil
	case "=>":
		l.pos += 2
		return token{typ: tokArrow, lit: "=>", pos: start}, nil
	}

	l.pos++
	switch c {
	case '+':
		return token{typ: tokPlus, lit: "+", pos: start}, nil
	case '-':
		return token{typ: tokMinus, lit: "-", pos: start}, nil
	case '*':
		return token{typ: tokStar, lit: "*", pos: start}, nil
	case '/':
		return token{typ: tokSlash, lit: "/", pos: start}, nil
	case '%':
		return token{typ: tokPercent, lit: "%", pos: start}, nil
	case '<':
		return token{typ: tokLt, lit: "<", pos: start}, nil
	case '>':
		return token{typ: tokGt, lit: ">", pos: start}, nil
	case '!':
		return token{typ: tokNot, lit: "!", pos: start}, nil
	case '?':
		return token{typ: tokQuestion, lit: "?", pos: start}, nil
	case ':':
		return token{typ: tokColon, lit: ":", pos: start}, nil
	case '.':
		return token{typ: tokDot, lit: ".", pos: start}, nil
	case ',':
		return token{typ: tokComma, lit: ",", pos: start}, nil
	case '(':
		return token{typ: tokLParen, lit: "(", pos: start}, nil
	case ')':
		return token{typ: tokRParen, lit: ")", pos: start}, nil
	case '[':
		return token{typ: tokLBracket, lit: "[", pos: start}, nil
	case ']':
		return token{typ: tokRBracket, lit: "]", pos: start}, nil
	case '{':
		return token{typ: tokLBrace, lit: "{", pos: start}, nil
	case '}':
		return token{typ: tokRBrace, lit: "}", pos: start}, nil
	case '=':
		return token{}, fmt.Errorf("assignment is not allowed at offset %d", start)
	}
	return token{}, fmt.Errorf("unexpected character %q at offset %d", c, start)
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			l.pos++
			continue
		}
		return
	}
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	seenDot := false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c >= '0' && c <= '9' {
			l.pos++
			continue
		}
		if c == '.' && !seenDot && l.pos+1 < len(l.src) && l.src[l.pos+1] >= '0' && l.src[l.pos+1] <= '9' {
			seenDot = true
			l.pos++
			continue
		}
		if (c == 'e' || c == 'E') && l.pos > start {
			l.pos++
			if l.pos < len(l.src) && (l.src[l.pos] == '+' || l.src[l.pos] == '-') {
				l.pos++
			}
			continue
		}
		break
	}
	lit := l.src[start:l.pos]
	var num float64
	if _, err := fmt.Sscanf(lit, "%g", &num); err != nil {
		return token{}, fmt.Errorf("malformed number %q at offset %d", lit, start)
	}
	return token{typ: tokNumber, lit: lit, num: num, pos: start}, nil
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == quote {
			l.pos++
			return token{typ: tokString, lit: sb.String(), pos: start}, nil
		}
		if c == '\\' && l.pos+1 < len(l.src) {
			l.pos++
			esc := l.src[l.pos]
			switch esc {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '\\', '\'', '"':
				sb.WriteByte(esc)
			default:
				return token{}, fmt.Errorf("unsupported escape \\%c at offset %d", esc, l.pos)
			}
			l.pos++
			continue
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, fmt.Errorf("unterminated string at offset %d", start)
}

func (l *lexer) lexIdent() (token, error) {
	start := l.pos
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if !isIdentPart(r) {
			break
		}
		l.pos += size
	}
	lit := l.src[start:l.pos]
	switch lit {
	case "true":
		return token{typ: tokTrue, lit: lit, pos: start}, nil
	case "false":
		return token{typ: tokFalse, lit: lit, pos: start}, nil
	case "null":
		return token{typ: tokNull, lit: lit, pos: start}, nil
	}
	if rejectedKeywords[lit] {
		return token{}, fmt.Errorf("%q is outside the supported expression subset", lit)
	}
	return token{typ: tokIdent, lit: lit, pos: start}, nil
}

func isIdentStart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r)
}
