package guard

import "testing"

func TestPropertyAccessAndComparison(t *testing.T) {
	ctx := map[string]interface{}{
		"steps": map[string]interface{}{
			"prep": map[string]interface{}{
				"output": map[string]interface{}{
					"ok":    true,
					"score": 7.0,
				},
			},
		},
	}

	ok, err := EvalBool("steps.prep.output.ok", ctx)
	if err != nil || !ok {
		t.Fatalf("expected true, got %v err=%v", ok, err)
	}

	ok, err = EvalBool("steps.prep.output.score > 5", ctx)
	if err != nil || !ok {
		t.Fatalf("expected score>5 true, got %v err=%v", ok, err)
	}

	ok, err = EvalBool("steps.prep.output.score >= 7 && steps.prep.output.ok", ctx)
	if err != nil || !ok {
		t.Fatalf("expected conjunction true, got %v err=%v", ok, err)
	}
}

func TestMissingPathResolvesToNilFalsy(t *testing.T) {
	ok, err := EvalBool("!steps.absent.output.ok", map[string]interface{}{})
	if err != nil || !ok {
		t.Fatalf("expected negated-missing-path to be true, got %v err=%v", ok, err)
	}
}

func TestArithmeticAndParens(t *testing.T) {
	v, err := Eval("(1 + 2) * 3", nil)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v.(float64) != 9 {
		t.Fatalf("expected 9, got %v", v)
	}
}

func TestStringEquality(t *testing.T) {
	ctx := map[string]interface{}{"inputs": map[string]interface{}{"env": "prod"}}
	ok, err := EvalBool("inputs.env == 'prod'", ctx)
	if err != nil || !ok {
		t.Fatalf("expected true, got %v err=%v", ok, err)
	}
}

func TestDivisionByZero(t *testing.T) {
	_, err := Eval("1 / 0", nil)
	if err == nil {
		t.Fatalf("expected division by zero error")
	}
}

func TestOrShortCircuitValue(t *testing.T) {
	ok, err := EvalBool("false || true", nil)
	if err != nil || !ok {
		t.Fatalf("expected true, got %v err=%v", ok, err)
	}
}

func TestNonBooleanResultIsError(t *testing.T) {
	_, err := EvalBool("1 + 1", nil)
	if err == nil {
		t.Fatalf("expected error evaluating a numeric expression as bool")
	}
}
