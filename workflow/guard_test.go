package workflow_test

import (
	"errors"
	"testing"

	"github.com/hansjm10/alphred-sub002/workflow"
)

func TestEvalGuardLeaf(t *testing.T) {
	t.Run("equality on decision field", func(t *testing.T) {
		expr := workflow.GuardExpr{Field: "decision", Operator: "==", Value: "approved"}
		ok, err := workflow.EvalGuard(expr, map[string]any{"decision": "approved"})
		if err != nil || !ok {
			t.Fatalf("EvalGuard = %v, %v, want true, nil", ok, err)
		}
	})

	t.Run("inequality", func(t *testing.T) {
		expr := workflow.GuardExpr{Field: "decision", Operator: "!=", Value: "approved"}
		ok, err := workflow.EvalGuard(expr, map[string]any{"decision": "blocked"})
		if err != nil || !ok {
			t.Fatalf("EvalGuard = %v, %v, want true, nil", ok, err)
		}
	})

	t.Run("ordered comparison requires numeric operands", func(t *testing.T) {
		expr := workflow.GuardExpr{Field: "score", Operator: ">", Value: 5}
		ok, err := workflow.EvalGuard(expr, map[string]any{"score": 10})
		if err != nil || !ok {
			t.Fatalf("EvalGuard = %v, %v, want true, nil", ok, err)
		}

		_, err = workflow.EvalGuard(workflow.GuardExpr{Field: "score", Operator: ">", Value: "ten"}, map[string]any{"score": 10})
		if !errors.Is(err, workflow.ErrInvalidGuardExpression) {
			t.Fatalf("expected ErrInvalidGuardExpression, got %v", err)
		}
	})

	t.Run("missing field compares against nil", func(t *testing.T) {
		expr := workflow.GuardExpr{Field: "missing", Operator: "==", Value: "x"}
		ok, err := workflow.EvalGuard(expr, map[string]any{})
		if err != nil || ok {
			t.Fatalf("EvalGuard = %v, %v, want false, nil", ok, err)
		}
	})
}

func TestEvalGuardLogic(t *testing.T) {
	approved := workflow.GuardExpr{Field: "decision", Operator: "==", Value: "approved"}
	highScore := workflow.GuardExpr{Field: "score", Operator: ">=", Value: 80}

	t.Run("and requires every condition", func(t *testing.T) {
		expr := workflow.GuardExpr{Logic: "and", Conditions: []workflow.GuardExpr{approved, highScore}}
		ok, err := workflow.EvalGuard(expr, map[string]any{"decision": "approved", "score": 90})
		if err != nil || !ok {
			t.Fatalf("EvalGuard = %v, %v, want true, nil", ok, err)
		}

		ok, err = workflow.EvalGuard(expr, map[string]any{"decision": "approved", "score": 10})
		if err != nil || ok {
			t.Fatalf("EvalGuard = %v, %v, want false, nil", ok, err)
		}
	})

	t.Run("or requires any condition", func(t *testing.T) {
		expr := workflow.GuardExpr{Logic: "or", Conditions: []workflow.GuardExpr{approved, highScore}}
		ok, err := workflow.EvalGuard(expr, map[string]any{"decision": "blocked", "score": 95})
		if err != nil || !ok {
			t.Fatalf("EvalGuard = %v, %v, want true, nil", ok, err)
		}
	})

	t.Run("nested logic", func(t *testing.T) {
		expr := workflow.GuardExpr{Logic: "and", Conditions: []workflow.GuardExpr{
			approved,
			{Logic: "or", Conditions: []workflow.GuardExpr{highScore, {Field: "override", Operator: "==", Value: true}}},
		}}
		ok, err := workflow.EvalGuard(expr, map[string]any{"decision": "approved", "score": 1, "override": true})
		if err != nil || !ok {
			t.Fatalf("EvalGuard = %v, %v, want true, nil", ok, err)
		}
	})
}

func TestEvalGuardMalformedExpression(t *testing.T) {
	t.Run("neither logic nor leaf", func(t *testing.T) {
		_, err := workflow.EvalGuard(workflow.GuardExpr{}, map[string]any{})
		if !errors.Is(err, workflow.ErrInvalidGuardExpression) {
			t.Fatalf("expected ErrInvalidGuardExpression, got %v", err)
		}
	})

	t.Run("unknown logic operator", func(t *testing.T) {
		_, err := workflow.EvalGuard(workflow.GuardExpr{Logic: "xor", Conditions: []workflow.GuardExpr{{Field: "a", Operator: "==", Value: 1}}}, map[string]any{})
		if !errors.Is(err, workflow.ErrInvalidGuardExpression) {
			t.Fatalf("expected ErrInvalidGuardExpression, got %v", err)
		}
	})

	t.Run("unknown leaf operator", func(t *testing.T) {
		_, err := workflow.EvalGuard(workflow.GuardExpr{Field: "a", Operator: "~=", Value: 1}, map[string]any{"a": 1})
		if !errors.Is(err, workflow.ErrInvalidGuardExpression) {
			t.Fatalf("expected ErrInvalidGuardExpression, got %v", err)
		}
	})
}
