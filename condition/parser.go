package condition

import (
	"fmt"
	"strconv"
	"strings"

	"secupoints/core"
)

// Parse compiles one condition string into an expression tree.
//
//	expr     := and { OR and }
//	and      := primary { AND primary }
//	primary  := "(" ref "-" ref ")" cmpop number unit
//	          | "(" expr ")"
//	          | ref [NOT] EXISTS
//	          | ref cmpop operand | ref [NOT] IN operand
//	operand  := literal | list | ref
func Parse(src string) (Expr, error) {
	toks, err := Tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	if p.peek().Kind == TokEOF {
		return nil, core.ParseError(src, "empty condition")
	}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.Kind != TokEOF {
		return nil, p.errorf(tok, "unexpected %s after condition", tok)
	}
	return e, nil
}

// MustParse is Parse for conditions known to be valid, such as test fixtures.
func MustParse(src string) Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

type parser struct {
	src  string
	toks []Token
	pos  int
}

func (p *parser) peek() Token { return p.toks[p.pos] }

func (p *parser) advance() Token {
	tok := p.toks[p.pos]
	if tok.Kind != TokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) accept(k TokenKind) bool {
	if p.peek().Kind == k {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expect(k TokenKind) (Token, error) {
	tok := p.peek()
	if tok.Kind != k {
		return tok, p.errorf(tok, "expected %s, found %s", k, tok)
	}
	return p.advance(), nil
}

func (p *parser) errorf(tok Token, format string, args ...any) error {
	return core.ParseError(p.src, fmt.Sprintf("at offset %d: ", tok.Pos)+fmt.Sprintf(format, args...))
}

func (p *parser) parseOr() (Expr, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []Expr{first}
	for p.accept(TokOr) {
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return &Logical{Op: Or, Terms: terms}, nil
}

func (p *parser) parseAnd() (Expr, error) {
	first, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	terms := []Expr{first}
	for p.accept(TokAnd) {
		next, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return &Logical{Op: And, Terms: terms}, nil
}

func (p *parser) parsePrimary() (Expr, error) {
	if p.peek().Kind == TokLParen {
		mark := p.pos
		if t, ok := p.tryTemporal(); ok {
			return t, nil
		}
		p.pos = mark
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRParen); err != nil {
			return nil, err
		}
		return inner, nil
	}

	left, err := p.parseRef()
	if err != nil {
		return nil, err
	}
	tok := p.peek()
	switch tok.Kind {
	case TokExists:
		p.advance()
		return &Exists{Target: left}, nil
	case TokNot:
		p.advance()
		switch next := p.peek(); next.Kind {
		case TokExists:
			p.advance()
			return &Exists{Target: left, Negated: true}, nil
		case TokIn:
			p.advance()
			right, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			return &Comparison{Left: left, Op: OpNotIn, Right: right}, nil
		default:
			return nil, p.errorf(next, "expected IN or EXISTS after NOT, found %s", next)
		}
	case TokIn:
		p.advance()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &Comparison{Left: left, Op: OpIn, Right: right}, nil
	case TokOp:
		p.advance()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &Comparison{Left: left, Op: Operator(tok.Text), Right: right}, nil
	}
	return nil, p.errorf(tok, "expected operator after %s, found %s", left, tok)
}

// tryTemporal attempts `(ref - ref) op number unit`. On any mismatch the
// caller rewinds and parses a parenthesized group instead.
func (p *parser) tryTemporal() (Expr, bool) {
	p.advance()
	later, err := p.parseRef()
	if err != nil || !p.accept(TokMinus) {
		return nil, false
	}
	earlier, err := p.parseRef()
	if err != nil || !p.accept(TokRParen) {
		return nil, false
	}
	opTok := p.peek()
	if opTok.Kind != TokOp {
		return nil, false
	}
	p.advance()
	numTok := p.peek()
	if numTok.Kind != TokNumber {
		return nil, false
	}
	p.advance()
	n, err := strconv.ParseFloat(numTok.Text, 64)
	if err != nil {
		return nil, false
	}
	unitTok := p.peek()
	if unitTok.Kind != TokIdent {
		return nil, false
	}
	unit, ok := ParseUnit(unitTok.Text)
	if !ok {
		return nil, false
	}
	p.advance()
	return &Temporal{Later: later, Earlier: earlier, Op: Operator(opTok.Text), Threshold: n, Unit: unit}, true
}

func (p *parser) parseRef() (*Ref, error) {
	first, err := p.expect(TokIdent)
	if err != nil {
		return nil, err
	}
	path := []string{first.Text}
	for p.peek().Kind == TokDot {
		p.advance()
		seg, err := p.expect(TokIdent)
		if err != nil {
			return nil, err
		}
		path = append(path, seg.Text)
	}
	return &Ref{Path: path}, nil
}

func (p *parser) parseOperand() (Operand, error) {
	tok := p.peek()
	switch tok.Kind {
	case TokString:
		p.advance()
		return &Literal{Value: String(tok.Text)}, nil
	case TokNumber:
		p.advance()
		return numberLiteral(tok, false, p)
	case TokMinus:
		p.advance()
		num, err := p.expect(TokNumber)
		if err != nil {
			return nil, err
		}
		return numberLiteral(num, true, p)
	case TokLBrack:
		p.advance()
		list := &ListLit{}
		if p.accept(TokRBrack) {
			return list, nil
		}
		for {
			item, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			list.Items = append(list.Items, item)
			if p.accept(TokComma) {
				continue
			}
			if _, err := p.expect(TokRBrack); err != nil {
				return nil, err
			}
			return list, nil
		}
	case TokIdent:
		ref, err := p.parseRef()
		if err != nil {
			return nil, err
		}
		if !ref.Dotted() {
			if lit, ok := keywordLiteral(ref.Root()); ok {
				return &Literal{Value: lit}, nil
			}
		}
		return ref, nil
	}
	return nil, p.errorf(tok, "expected value, found %s", tok)
}

func numberLiteral(tok Token, negative bool, p *parser) (Operand, error) {
	text := tok.Text
	if negative {
		text = "-" + text
	}
	if strings.Contains(text, ".") {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, p.errorf(tok, "invalid number %q", text)
		}
		return &Literal{Value: Float(f)}, nil
	}
	i, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return nil, p.errorf(tok, "invalid number %q", text)
	}
	return &Literal{Value: Int(i)}, nil
}

func keywordLiteral(name string) (Value, bool) {
	switch strings.ToLower(name) {
	case "true":
		return Bool(true), true
	case "false":
		return Bool(false), true
	case "null", "none":
		return Null(), true
	}
	return Value{}, false
}
