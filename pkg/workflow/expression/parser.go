package expression

import (
	"fmt"
	"sync"

	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
)

// Member names that would reach into the prototype machinery of the source
// language. The subset has no prototypes, so these are rejected outright.
var rejectedMembers = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

type parser struct {
	src  string
	toks []token
	pos  int
}

var parseCache sync.Map // src -> Node

// Parse compiles an expression source string into an AST. Parses are
// cached; loop bodies re-evaluate the same sources every iteration.
func Parse(src string) (Node, error) {
	if cached, ok := parseCache.Load(src); ok {
		return cached.(Node), nil
	}
	toks, err := lex(src)
	if err != nil {
		return nil, wferrors.Newf(wferrors.KindExpression, "parse %q: %v", src, err)
	}
	p := &parser{src: src, toks: toks}
	node, err := p.parseTernary()
	if err != nil {
		return nil, wferrors.Newf(wferrors.KindExpression, "parse %q: %v", src, err)
	}
	if p.cur().typ != tokEOF {
		return nil, wferrors.Newf(wferrors.KindExpression, "parse %q: unexpected %s", src, p.cur())
	}
	parseCache.Store(src, node)
	return node, nil
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) peek() token {
	if p.pos+1 < len(p.toks) {
		return p.toks[p.pos+1]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) advance() token {
	tok := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return tok
}

func (p *parser) expect(typ tokenType, what string) (token, error) {
	if p.cur().typ != typ {
		return token{}, fmt.Errorf("expected %s, found %s", what, p.cur())
	}
	return p.advance(), nil
}

// parseTernary handles the lowest-precedence construct: cond ? a : b.
func (p *parser) parseTernary() (Node, error) {
	cond, err := p.parseBinary(1)
	if err != nil {
		return nil, err
	}
	if p.cur().typ != tokQuestion {
		return cond, nil
	}
	p.advance()
	then, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokColon, "':' in ternary"); err != nil {
		return nil, err
	}
	els, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	return &ternaryNode{cond: cond, then: then, els: els}, nil
}

func precedence(typ tokenType) int {
	switch typ {
	case tokOr:
		return 1
	case tokAnd:
		return 2
	case tokEq, tokNeq:
		return 3
	case tokLt, tokLte, tokGt, tokGte:
		return 4
	case tokPlus, tokMinus:
		return 5
	case tokStar, tokSlash, tokPercent:
		return 6
	}
	return 0
}

func (p *parser) parseBinary(minPrec int) (Node, error) {
	lhs, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op := p.cur()
		prec := precedence(op.typ)
		if prec < minPrec {
			return lhs, nil
		}
		p.advance()
		rhs, err := p.parseBinary(prec + 1)
		if err != nil {
			return nil, err
		}
		lhs = &binaryNode{op: op.typ, opLit: op.lit, lhs: lhs, rhs: rhs}
	}
}

func (p *parser) parseUnary() (Node, error) {
	switch p.cur().typ {
	case tokNot:
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: tokNot, operand: operand}, nil
	case tokMinus:
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: tokMinus, operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Node, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.cur().typ {
		case tokDot:
			p.advance()
			name, err := p.expect(tokIdent, "member name")
			if err != nil {
				return nil, err
			}
			if rejectedMembers[name.lit] {
				return nil, fmt.Errorf("member %q is outside the supported expression subset", name.lit)
			}
			node = &memberNode{obj: node, name: name.lit}
		case tokLBracket:
			p.advance()
			idx, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRBracket, "']'"); err != nil {
				return nil, err
			}
			node = &indexNode{obj: node, index: idx}
		case tokLParen:
			p.advance()
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			node = &callNode{callee: node, args: args}
		default:
			return node, nil
		}
	}
}

func (p *parser) parseArgs() ([]Node, error) {
	var args []Node
	if p.cur().typ == tokRParen {
		p.advance()
		return args, nil
	}
	for {
		arg, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.cur().typ == tokComma {
			p.advance()
			continue
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return args, nil
	}
}

func (p *parser) parsePrimary() (Node, error) {
	tok := p.cur()
	switch tok.typ {
	case tokNumber:
		p.advance()
		return &literalNode{value: tok.num}, nil
	case tokString:
		p.advance()
		return &literalNode{value: tok.lit}, nil
	case tokTrue:
		p.advance()
		return &literalNode{value: true}, nil
	case tokFalse:
		p.advance()
		return &literalNode{value: false}, nil
	case tokNull:
		p.advance()
		return &literalNode{value: nil}, nil
	case tokIdent:
		// Single-parameter arrow function: item => expr
		if p.peek().typ == tokArrow {
			p.advance()
			p.advance()
			body, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			return &lambdaNode{params: []string{tok.lit}, body: body}, nil
		}
		p.advance()
		return &identNode{name: tok.lit}, nil
	case tokLParen:
		if params, ok := p.lambdaParams(); ok {
			body, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			return &lambdaNode{params: params, body: body}, nil
		}
		p.advance()
		inner, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokLBracket:
		p.advance()
		var elems []Node
		for p.cur().typ != tokRBracket {
			elem, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			elems = append(elems, elem)
			if p.cur().typ == tokComma {
				p.advance()
			}
		}
		p.advance()
		return &arrayNode{elems: elems}, nil
	case tokLBrace:
		return p.parseObject()
	}
	return nil, fmt.Errorf("unexpected %s", tok)
}

// lambdaParams consumes "(a, b) =>" if the tokens ahead form a parenthesized
// parameter list, returning the parameter names. Otherwise no tokens are
// consumed and ok is false.
func (p *parser) lambdaParams() ([]string, bool) {
	i := p.pos + 1
	var params []string
	for {
		if i >= len(p.toks) {
			return nil, false
		}
		if p.toks[i].typ == tokRParen {
			break
		}
		if p.toks[i].typ != tokIdent {
			return nil, false
		}
		params = append(params, p.toks[i].lit)
		i++
		if p.toks[i].typ == tokComma {
			i++
		}
	}
	if i+1 >= len(p.toks) || p.toks[i+1].typ != tokArrow {
		return nil, false
	}
	p.pos = i + 2
	return params, true
}

func (p *parser) parseObject() (Node, error) {
	p.advance() // '{'
	node := &objectNode{}
	for p.cur().typ != tokRBrace {
		key := p.cur()
		if key.typ != tokIdent && key.typ != tokString {
			return nil, fmt.Errorf("expected object key, found %s", key)
		}
		p.advance()
		if _, err := p.expect(tokColon, "':' after object key"); err != nil {
			return nil, err
		}
		val, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		node.keys = append(node.keys, key.lit)
		node.values = append(node.values, val)
		if p.cur().typ == tokComma {
			p.advance()
		}
	}
	p.advance()
	return node, nil
}
