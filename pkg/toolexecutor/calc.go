package toolexecutor

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	calcAllowedChars = "0123456789+-*/.(),abcdefghijklmnopqrstuvwxyz "
	calcIdentifier   = regexp.MustCompile(`[a-z]+`)
	calcFunctions    = map[string]bool{"abs": true, "round": true, "min": true, "max": true, "pow": true}
)

// evaluate computes an arithmetic expression over float64 with the functions
// abs, round, min, max and pow. Characters outside the arithmetic alphabet are
// discarded before parsing.
func evaluate(expression string) (float64, error) {
	var b strings.Builder
	for _, r := range strings.ToLower(expression) {
		if strings.ContainsRune(calcAllowedChars, r) {
			b.WriteRune(r)
		}
	}
	sanitized := b.String()
	if strings.TrimSpace(sanitized) == "" {
		return 0, fmt.Errorf("invalid expression")
	}
	for _, name := range calcIdentifier.FindAllString(sanitized, -1) {
		if !calcFunctions[name] {
			return 0, fmt.Errorf("invalid expression")
		}
	}

	expr, err := parser.ParseExpr(sanitized)
	if err != nil {
		return 0, fmt.Errorf("invalid expression: %w", err)
	}
	return eval(expr)
}

func eval(node ast.Expr) (float64, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return 0, fmt.Errorf("invalid expression: unexpected literal %s", n.Value)
		}
		return strconv.ParseFloat(n.Value, 64)

	case *ast.ParenExpr:
		return eval(n.X)

	case *ast.UnaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.SUB:
			return -x, nil
		case token.ADD:
			return x, nil
		}
		return 0, fmt.Errorf("invalid expression: unsupported operator %s", n.Op)

	case *ast.BinaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return 0, err
		}
		y, err := eval(n.Y)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.ADD:
			return x + y, nil
		case token.SUB:
			return x - y, nil
		case token.MUL:
			return x * y, nil
		case token.QUO:
			if y == 0 {
				return 0, fmt.Errorf("calculation error: division by zero")
			}
			return x / y, nil
		}
		return 0, fmt.Errorf("invalid expression: unsupported operator %s", n.Op)

	case *ast.CallExpr:
		return call(n)
	}
	return 0, fmt.Errorf("invalid expression")
}

func call(n *ast.CallExpr) (float64, error) {
	ident, ok := n.Fun.(*ast.Ident)
	if !ok || !calcFunctions[ident.Name] {
		return 0, fmt.Errorf("invalid expression")
	}
	args := make([]float64, len(n.Args))
	for i, a := range n.Args {
		v, err := eval(a)
		if err != nil {
			return 0, err
		}
		args[i] = v
	}

	switch ident.Name {
	case "abs":
		if len(args) != 1 {
			return 0, fmt.Errorf("invalid expression: abs takes one argument")
		}
		return math.Abs(args[0]), nil
	case "round":
		switch len(args) {
		case 1:
			return math.RoundToEven(args[0]), nil
		case 2:
			scale := math.Pow(10, math.Trunc(args[1]))
			return math.RoundToEven(args[0]*scale) / scale, nil
		}
		return 0, fmt.Errorf("invalid expression: round takes one or two arguments")
	case "pow":
		if len(args) != 2 {
			return 0, fmt.Errorf("invalid expression: pow takes two arguments")
		}
		v := math.Pow(args[0], args[1])
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, fmt.Errorf("calculation error: result out of range")
		}
		return v, nil
	default:
		if len(args) == 0 {
			return 0, fmt.Errorf("invalid expression: %s needs arguments", ident.Name)
		}
		out := args[0]
		for _, v := range args[1:] {
			if ident.Name == "min" {
				out = math.Min(out, v)
			} else {
				out = math.Max(out, v)
			}
		}
		return out, nil
	}
}
