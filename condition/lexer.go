package condition

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"secupoints/core"
)

// TokenKind classifies lexer output.
type TokenKind int

const (
	TokEOF TokenKind = iota
	TokIdent
	TokString
	TokNumber
	TokDot
	TokComma
	TokLParen
	TokRParen
	TokLBrack
	TokRBrack
	TokMinus
	TokOp
	TokIn
	TokNot
	TokExists
	TokAnd
	TokOr
)

var tokenNames = map[TokenKind]string{
	TokEOF:    "end of input",
	TokIdent:  "identifier",
	TokString: "string",
	TokNumber: "number",
	TokDot:    "'.'",
	TokComma:  "','",
	TokLParen: "'('",
	TokRParen: "')'",
	TokLBrack: "'['",
	TokRBrack: "']'",
	TokMinus:  "'-'",
	TokOp:     "operator",
	TokIn:     "IN",
	TokNot:    "NOT",
	TokExists: "EXISTS",
	TokAnd:    "AND",
	TokOr:     "OR",
}

func (k TokenKind) String() string {
	if s, ok := tokenNames[k]; ok {
		return s
	}
	return fmt.Sprintf("token(%d)", int(k))
}

// keywords are matched on whole, upper-case words only, so identifiers
// and unquoted values such as INFO or Inbound stay identifiers.
var keywords = map[string]TokenKind{
	"IN":     TokIn,
	"NOT":    TokNot,
	"EXISTS": TokExists,
	"AND":    TokAnd,
	"OR":     TokOr,
}

// foldedKeywords match in any case.
var foldedKeywords = map[string]TokenKind{
	"NOT":    TokNot,
	"EXISTS": TokExists,
}

func keyword(word string) (TokenKind, bool) {
	if k, ok := keywords[word]; ok {
		return k, true
	}
	k, ok := foldedKeywords[strings.ToUpper(word)]
	return k, ok
}

// Token is one lexeme with its byte offset in the source.
type Token struct {
	Kind TokenKind
	Text string
	Pos  int
}

func (t Token) String() string {
	switch t.Kind {
	case TokEOF:
		return t.Kind.String()
	case TokString:
		return fmt.Sprintf("string %q", t.Text)
	}
	return fmt.Sprintf("%q", t.Text)
}

// Tokenize splits a condition into tokens. The final token is always TokEOF.
func Tokenize(src string) ([]Token, error) {
	lx := lexer{src: src}
	var out []Token
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
		if tok.Kind == TokEOF {
			return out, nil
		}
	}
}

type lexer struct {
	src string
	pos int
}

func (lx *lexer) errorf(format string, args ...any) error {
	return core.ParseError(lx.src, fmt.Sprintf("at offset %d: ", lx.pos)+fmt.Sprintf(format, args...))
}

func (lx *lexer) peekRune() (rune, int) {
	if lx.pos >= len(lx.src) {
		return utf8.RuneError, 0
	}
	return utf8.DecodeRuneInString(lx.src[lx.pos:])
}

func (lx *lexer) next() (Token, error) {
	for lx.pos < len(lx.src) {
		r, w := lx.peekRune()
		if !unicode.IsSpace(r) {
			break
		}
		lx.pos += w
	}
	start := lx.pos
	if lx.pos >= len(lx.src) {
		return Token{Kind: TokEOF, Pos: start}, nil
	}
	r, w := lx.peekRune()
	single := func(k TokenKind) (Token, error) {
		lx.pos += w
		return Token{Kind: k, Text: string(r), Pos: start}, nil
	}
	switch {
	case r == '.':
		return single(TokDot)
	case r == ',':
		return single(TokComma)
	case r == '(':
		return single(TokLParen)
	case r == ')':
		return single(TokRParen)
	case r == '[':
		return single(TokLBrack)
	case r == ']':
		return single(TokRBrack)
	case r == '-':
		return single(TokMinus)
	case r == '\'' || r == '"':
		return lx.lexString(r)
	case r == '=' || r == '!' || r == '<' || r == '>':
		return lx.lexOperator()
	case r >= '0' && r <= '9':
		return lx.lexNumber(), nil
	case r == '_' || unicode.IsLetter(r):
		return lx.lexIdent(), nil
	}
	return Token{}, lx.errorf("unexpected character %q", r)
}

func (lx *lexer) lexString(quote rune) (Token, error) {
	start := lx.pos
	lx.pos++
	var b strings.Builder
	for lx.pos < len(lx.src) {
		r, w := lx.peekRune()
		lx.pos += w
		switch r {
		case quote:
			return Token{Kind: TokString, Text: b.String(), Pos: start}, nil
		case '\\':
			if lx.pos >= len(lx.src) {
				return Token{}, lx.errorf("unterminated escape")
			}
			esc, ew := lx.peekRune()
			lx.pos += ew
			switch esc {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			default:
				b.WriteRune(esc)
			}
		default:
			b.WriteRune(r)
		}
	}
	lx.pos = start
	return Token{}, lx.errorf("unterminated string")
}

func (lx *lexer) lexOperator() (Token, error) {
	start := lx.pos
	two := ""
	if lx.pos+2 <= len(lx.src) {
		two = lx.src[lx.pos : lx.pos+2]
	}
	switch two {
	case "==", "!=", "<=", ">=":
		lx.pos += 2
		return Token{Kind: TokOp, Text: two, Pos: start}, nil
	}
	switch c := lx.src[lx.pos]; c {
	case '<', '>':
		lx.pos++
		return Token{Kind: TokOp, Text: string(c), Pos: start}, nil
	}
	return Token{}, lx.errorf("unknown operator starting with %q", lx.src[lx.pos])
}

func (lx *lexer) lexNumber() Token {
	start := lx.pos
	digits := func() {
		for lx.pos < len(lx.src) && lx.src[lx.pos] >= '0' && lx.src[lx.pos] <= '9' {
			lx.pos++
		}
	}
	digits()
	if lx.pos+1 < len(lx.src) && lx.src[lx.pos] == '.' && lx.src[lx.pos+1] >= '0' && lx.src[lx.pos+1] <= '9' {
		lx.pos++
		digits()
	}
	return Token{Kind: TokNumber, Text: lx.src[start:lx.pos], Pos: start}
}

func (lx *lexer) lexIdent() Token {
	start := lx.pos
	for lx.pos < len(lx.src) {
		r, w := lx.peekRune()
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		lx.pos += w
	}
	text := lx.src[start:lx.pos]
	if k, ok := keyword(text); ok {
		return Token{Kind: k, Text: text, Pos: start}
	}
	return Token{Kind: TokIdent, Text: text, Pos: start}
}
