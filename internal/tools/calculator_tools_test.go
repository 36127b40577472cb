package tools

import (
	"context"
	"strings"
	"testing"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		expr string
		want string
	}{
		{"2 + 3", "5"},
		{"(5000 - 1250) * 1.09", "4087.5"},
		{"7 / 2", "3.5"},
		{"1 / 3", "0.3333333333"},
		{"0.1 + 0.2", "0.3"},
		{"10 % 3", "1"},
		{"-3 + 5", "2"},
		{"12 × 3", "36"},
		{"100 ÷ 8", "12.5"},
		{"1e3 * 2", "2000"},
		{"sqrt(16)", "4"},
		{"pow(2, 10)", "1024"},
		{"abs(-4.25)", "4.25"},
		{"round(2.5)", "3"},
		{"99999999999999999999 + 1", "100000000000000000000"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Evaluate(tt.expr)
			if err != nil {
				t.Fatalf("Evaluate(%q) error: %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %q, want %q", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr string
	}{
		{"division by zero", "1 / 0", "division by zero"},
		{"remainder by zero", "5 % 0", "division by zero"},
		{"fractional remainder", "5.5 % 2", "whole numbers"},
		{"negative sqrt", "sqrt(-1)", "negative"},
		{"incomplete", "2 +", "invalid expression"},
		{"identifier", "x + 1", "unsupported"},
		{"selector call", "os.Exit(1)", "unsupported function"},
		{"unknown function", "log(10)", "unknown function"},
		{"arity", "pow(2)", "takes 2"},
		{"string literal", `"a"`, "unsupported literal"},
		{"xor", "2 ^ 3", "unsupported operator"},
		{"too long", strings.Repeat("1+", 200) + "1", "longer than"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Evaluate(tt.expr)
			if err == nil {
				t.Fatalf("Evaluate(%q) should fail", tt.expr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestCalculatorTool(t *testing.T) {
	r := NewRegistry(0, nil)
	if err := RegisterCalculatorTool(r); err != nil {
		t.Fatal(err)
	}

	out, err := r.Invoke(context.Background(), "calculator", map[string]any{"expression": "5000 * 0.2"})
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if out != "5000 * 0.2 = 1000" {
		t.Errorf("out = %q", out)
	}

	if _, err := r.Invoke(context.Background(), "calculator", map[string]any{}); err == nil {
		t.Error("missing expression should fail")
	}
	if !r.Get("calculator").Idempotent {
		t.Error("calculator should be marked idempotent")
	}
}
