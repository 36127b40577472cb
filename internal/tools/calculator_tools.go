package tools

import (
	"context"
	"fmt"
	"go/ast"
	"go/constant"
	"go/parser"
	"go/token"
	"math"
	"strconv"
	"strings"
)

const maxExpressionLen = 256

// RegisterCalculatorTool adds calculator, which evaluates arithmetic
// exactly so the model never has to do sums in its head.
func RegisterCalculatorTool(r *Registry) error {
	return r.Register(&Tool{
		Name: "calculator",
		Description: "Evaluates an arithmetic expression and returns the result. " +
			"Supports + - * / %, parentheses, decimals, and the functions sqrt(x), pow(x, y), abs(x), round(x). " +
			"Use for any calculation: budgets, totals, percentages, time differences.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{
					"type":        "string",
					"description": "The expression to evaluate, e.g. (5000 - 1250) * 1.09",
				},
			},
			"required": []string{"expression"},
		},
		Idempotent: true,
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			expr, err := requireString(args, "expression")
			if err != nil {
				return "", err
			}
			result, err := Evaluate(expr)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s = %s", expr, result), nil
		},
	})
}

// Evaluate computes an arithmetic expression. Integer and decimal
// arithmetic is exact; the math functions work in float64.
func Evaluate(expr string) (string, error) {
	if len(expr) > maxExpressionLen {
		return "", fmt.Errorf("expression longer than %d characters", maxExpressionLen)
	}
	normalized := strings.NewReplacer("×", "*", "÷", "/", "−", "-").Replace(expr)

	node, err := parser.ParseExpr(normalized)
	if err != nil {
		return "", fmt.Errorf("invalid expression %q", expr)
	}
	v, err := eval(node)
	if err != nil {
		return "", err
	}
	return formatValue(v), nil
}

func eval(node ast.Expr) (constant.Value, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return nil, fmt.Errorf("unsupported literal %s", n.Value)
		}
		return constant.MakeFromLiteral(n.Value, n.Kind, 0), nil

	case *ast.ParenExpr:
		return eval(n.X)

	case *ast.UnaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case token.ADD, token.SUB:
			return constant.UnaryOp(n.Op, x, 0), nil
		}
		return nil, fmt.Errorf("unsupported operator %s", n.Op)

	case *ast.BinaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return nil, err
		}
		y, err := eval(n.Y)
		if err != nil {
			return nil, err
		}
		return binary(n.Op, x, y)

	case *ast.CallExpr:
		return call(n)
	}
	return nil, fmt.Errorf("unsupported expression")
}

func binary(op token.Token, x, y constant.Value) (constant.Value, error) {
	switch op {
	case token.ADD, token.SUB, token.MUL:
		return constant.BinaryOp(x, op, y), nil
	case token.QUO:
		if constant.Sign(y) == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return constant.BinaryOp(x, token.QUO, y), nil
	case token.REM:
		if x.Kind() != constant.Int || y.Kind() != constant.Int {
			return nil, fmt.Errorf("%% needs whole numbers")
		}
		if constant.Sign(y) == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return constant.BinaryOp(x, token.REM, y), nil
	}
	return nil, fmt.Errorf("unsupported operator %s", op)
}

func call(n *ast.CallExpr) (constant.Value, error) {
	fn, ok := n.Fun.(*ast.Ident)
	if !ok {
		return nil, fmt.Errorf("unsupported function")
	}
	args := make([]float64, len(n.Args))
	for i, a := range n.Args {
		v, err := eval(a)
		if err != nil {
			return nil, err
		}
		args[i], _ = constant.Float64Val(constant.ToFloat(v))
	}

	want := 1
	if fn.Name == "pow" {
		want = 2
	}
	if len(args) != want {
		return nil, fmt.Errorf("%s takes %d argument(s)", fn.Name, want)
	}

	var out float64
	switch fn.Name {
	case "sqrt":
		if args[0] < 0 {
			return nil, fmt.Errorf("square root of a negative number")
		}
		out = math.Sqrt(args[0])
	case "pow":
		out = math.Pow(args[0], args[1])
	case "abs":
		out = math.Abs(args[0])
	case "round":
		out = math.Round(args[0])
	default:
		return nil, fmt.Errorf("unknown function %s", fn.Name)
	}
	if math.IsInf(out, 0) || math.IsNaN(out) {
		return nil, fmt.Errorf("%s result is out of range", fn.Name)
	}
	return constant.MakeFloat64(out), nil
}

// formatValue prints whole numbers without a decimal point and
// everything else to at most ten decimal places.
func formatValue(v constant.Value) string {
	if i := constant.ToInt(v); i.Kind() == constant.Int {
		return i.ExactString()
	}
	f, _ := constant.Float64Val(constant.ToFloat(v))
	s := strconv.FormatFloat(f, 'f', 10, 64)
	return strings.TrimRight(strings.TrimRight(s, "0"), ".")
}
