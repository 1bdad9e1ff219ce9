package eval

import (
	"sort"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// allowedFuncs is the fixed function allow-list: absolute value, rounding,
// min/max, length, string-case conversions, whitespace trim, and numeric
// casts. All of these are expr built-ins; nothing else is callable.
var allowedFuncs = map[string]bool{
	"abs":    true,
	"round":  true,
	"floor":  true,
	"ceil":   true,
	"min":    true,
	"max":    true,
	"len":    true,
	"upper":  true,
	"lower":  true,
	"trim":   true,
	"int":    true,
	"float":  true,
	"string": true,
}

// inspect parses an expression and enforces the sandbox: only the restricted
// node set is permitted and every call target must be allow-listed. It
// returns the identifiers referenced by the expression, sorted. A violation
// is reported before anything executes. The result depends only on the
// expression text, so the Evaluator caches it.
func inspect(exprText string) ([]string, error) {
	tree, err := parser.Parse(exprText)
	if err != nil {
		return nil, &ParseError{Expr: exprText, Err: err}
	}

	idents := make(map[string]bool)
	if err := checkNode(tree.Node, exprText, idents); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(idents))
	for name := range idents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// checkNode walks the AST accepting only the restricted grammar. Identifiers
// are collected for the missing-variable policy; call targets are checked
// against the allow-list; any construct outside the subset is a violation.
func checkNode(node ast.Node, exprText string, idents map[string]bool) error {
	switch n := node.(type) {
	case nil:
		return nil
	case *ast.NilNode, *ast.IntegerNode, *ast.FloatNode, *ast.BoolNode,
		*ast.StringNode, *ast.ConstantNode:
		return nil

	case *ast.IdentifierNode:
		idents[n.Value] = true
		return nil

	case *ast.UnaryNode:
		return checkNode(n.Node, exprText, idents)

	case *ast.BinaryNode:
		if err := checkNode(n.Left, exprText, idents); err != nil {
			return err
		}
		return checkNode(n.Right, exprText, idents)

	case *ast.ConditionalNode:
		if err := checkNode(n.Cond, exprText, idents); err != nil {
			return err
		}
		if err := checkNode(n.Exp1, exprText, idents); err != nil {
			return err
		}
		return checkNode(n.Exp2, exprText, idents)

	case *ast.ArrayNode:
		for _, el := range n.Nodes {
			if err := checkNode(el, exprText, idents); err != nil {
				return err
			}
		}
		return nil

	case *ast.MapNode:
		for _, pair := range n.Pairs {
			if err := checkNode(pair, exprText, idents); err != nil {
				return err
			}
		}
		return nil

	case *ast.PairNode:
		if err := checkNode(n.Key, exprText, idents); err != nil {
			return err
		}
		return checkNode(n.Value, exprText, idents)

	case *ast.MemberNode:
		// Member access (user.name, items[0]) — the property expression is
		// checked, but a string property is data, not an identifier.
		if err := checkNode(n.Node, exprText, idents); err != nil {
			return err
		}
		if _, ok := n.Property.(*ast.StringNode); ok {
			return nil
		}
		return checkNode(n.Property, exprText, idents)

	case *ast.ChainNode:
		return checkNode(n.Node, exprText, idents)

	case *ast.SliceNode:
		if err := checkNode(n.Node, exprText, idents); err != nil {
			return err
		}
		if err := checkNode(n.From, exprText, idents); err != nil {
			return err
		}
		return checkNode(n.To, exprText, idents)

	case *ast.BuiltinNode:
		if !allowedFuncs[n.Name] {
			return &SandboxError{Name: n.Name, Expr: exprText}
		}
		for _, arg := range n.Arguments {
			if err := checkNode(arg, exprText, idents); err != nil {
				return err
			}
		}
		return nil

	case *ast.CallNode:
		callee, ok := n.Callee.(*ast.IdentifierNode)
		if !ok {
			return &SandboxError{Name: n.Callee.String(), Expr: exprText}
		}
		if !allowedFuncs[callee.Value] {
			return &SandboxError{Name: callee.Value, Expr: exprText}
		}
		for _, arg := range n.Arguments {
			if err := checkNode(arg, exprText, idents); err != nil {
				return err
			}
		}
		return nil

	default:
		// Closures, pointers, pipes, variable declarations — outside the
		// restricted grammar.
		return &SandboxError{Name: node.String(), Expr: exprText}
	}
}
