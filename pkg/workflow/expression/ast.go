package expression

import (
	"strconv"
	"strings"
)

// Node is one node of the parsed expression tree.
type Node interface {
	refs(acc *[]string, prefix string)
}

type literalNode struct {
	value any
}

type identNode struct {
	name string
}

type memberNode struct {
	obj  Node
	name string
}

type indexNode struct {
	obj   Node
	index Node
}

type callNode struct {
	callee Node
	args   []Node
}

type unaryNode struct {
	op      tokenType
	operand Node
}

type binaryNode struct {
	op    tokenType
	lhs   Node
	rhs   Node
	opLit string
}

type ternaryNode struct {
	cond Node
	then Node
	els  Node
}

type arrayNode struct {
	elems []Node
}

type objectNode struct {
	keys   []string
	values []Node
}

type lambdaNode struct {
	params []string
	body   Node
}

func (n *literalNode) refs(acc *[]string, prefix string) {}

func (n *identNode) refs(acc *[]string, prefix string) {
	*acc = append(*acc, n.name)
}

func (n *memberNode) refs(acc *[]string, prefix string) {
	if path, ok := staticPath(n); ok {
		*acc = append(*acc, path)
		return
	}
	n.obj.refs(acc, prefix)
}

func (n *indexNode) refs(acc *[]string, prefix string) {
	if path, ok := staticPath(n); ok {
		*acc = append(*acc, path)
	} else {
		n.obj.refs(acc, prefix)
	}
	n.index.refs(acc, prefix)
}

func (n *callNode) refs(acc *[]string, prefix string) {
	// Method receivers contribute their own reference; the method name
	// itself is not a path segment.
	if m, ok := n.callee.(*memberNode); ok {
		m.obj.refs(acc, prefix)
	} else {
		n.callee.refs(acc, prefix)
	}
	for _, a := range n.args {
		a.refs(acc, prefix)
	}
}

func (n *unaryNode) refs(acc *[]string, prefix string) { n.operand.refs(acc, prefix) }

func (n *binaryNode) refs(acc *[]string, prefix string) {
	n.lhs.refs(acc, prefix)
	n.rhs.refs(acc, prefix)
}

func (n *ternaryNode) refs(acc *[]string, prefix string) {
	n.cond.refs(acc, prefix)
	n.then.refs(acc, prefix)
	n.els.refs(acc, prefix)
}

func (n *arrayNode) refs(acc *[]string, prefix string) {
	for _, e := range n.elems {
		e.refs(acc, prefix)
	}
}

func (n *objectNode) refs(acc *[]string, prefix string) {
	for _, v := range n.values {
		v.refs(acc, prefix)
	}
}

func (n *lambdaNode) refs(acc *[]string, prefix string) {
	var inner []string
	n.body.refs(&inner, prefix)
	for _, ref := range inner {
		root := ref
		if i := strings.IndexAny(ref, ".["); i >= 0 {
			root = ref[:i]
		}
		if !containsString(n.params, root) {
			*acc = append(*acc, ref)
		}
	}
}

// staticPath renders a member/index chain rooted at an identifier as a
// dotted path, e.g. state.results[0].name -> "state.results.0.name".
// Chains with computed indices are not static.
func staticPath(n Node) (string, bool) {
	switch node := n.(type) {
	case *identNode:
		return node.name, true
	case *memberNode:
		base, ok := staticPath(node.obj)
		if !ok {
			return "", false
		}
		return base + "." + node.name, true
	case *indexNode:
		base, ok := staticPath(node.obj)
		if !ok {
			return "", false
		}
		switch idx := node.index.(type) {
		case *literalNode:
			switch v := idx.value.(type) {
			case string:
				return base + "." + v, true
			case float64:
				return base + "." + strconv.Itoa(int(v)), true
			}
		}
		return "", false
	}
	return "", false
}

// References returns every state path and bare identifier the expression
// reads. Lambda parameters are excluded. Used by load-time validation to
// check that all roots are declared.
func References(src string) ([]string, error) {
	node, err := Parse(src)
	if err != nil {
		return nil, err
	}
	var acc []string
	node.refs(&acc, "")
	return acc, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
