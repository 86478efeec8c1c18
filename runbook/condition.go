package runbook

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/expr-lang/expr"
)

// EvalCondition compiles and evaluates a condition expression against the
// variable scope. Expressions run in the expr sandbox: no host calls, only
// the scope's values and expr's builtin operators are reachable. An empty
// expression is vacuously true. Non-boolean results are coerced with
// conventional truthiness so that expressions like `deploy_target` or
// `len(hosts)` behave as operators expect.
func EvalCondition(code string, scope map[string]any) (bool, error) {
	if strings.TrimSpace(code) == "" {
		return true, nil
	}
	if scope == nil {
		scope = map[string]any{}
	}
	program, err := expr.Compile(code, expr.Env(scope), expr.AllowUndefinedVariables())
	if err != nil {
		return false, fmt.Errorf("compile condition %q: %w", code, err)
	}
	out, err := expr.Run(program, scope)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", code, err)
	}
	return truthy(out), nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
