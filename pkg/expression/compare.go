package expression

import (
	"encoding/json"
	"math"
	"reflect"
	"strings"
)

type number struct {
	i     int64
	f     float64
	isInt bool
}

func toNumber(v any) (number, bool) {
	switch n := v.(type) {
	case int:
		return number{i: int64(n), f: float64(n), isInt: true}, true
	case int8:
		return number{i: int64(n), f: float64(n), isInt: true}, true
	case int16:
		return number{i: int64(n), f: float64(n), isInt: true}, true
	case int32:
		return number{i: int64(n), f: float64(n), isInt: true}, true
	case int64:
		return number{i: n, f: float64(n), isInt: true}, true
	case uint:
		return unsigned(uint64(n)), true
	case uint8:
		return number{i: int64(n), f: float64(n), isInt: true}, true
	case uint16:
		return number{i: int64(n), f: float64(n), isInt: true}, true
	case uint32:
		return number{i: int64(n), f: float64(n), isInt: true}, true
	case uint64:
		return unsigned(n), true
	case float32:
		return number{f: float64(n)}, true
	case float64:
		return number{f: n}, true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return number{i: i, f: float64(i), isInt: true}, true
		}

		f, err := n.Float64()
		if err != nil {
			return number{}, false
		}

		return number{f: f}, true
	default:
		return number{}, false
	}
}

// unsigned keeps values beyond the int64 range as floats instead of wrapping them.
func unsigned(n uint64) number {
	if n > math.MaxInt64 {
		return number{f: float64(n)}
	}

	return number{i: int64(n), f: float64(n), isInt: true}
}

// cmp returns -1, 0 or 1. Two integers compare exactly; anything else compares as float64.
func (a number) cmp(b number) int {
	if a.isInt && b.isInt {
		switch {
		case a.i < b.i:
			return -1
		case a.i > b.i:
			return 1
		default:
			return 0
		}
	}

	switch {
	case a.f < b.f:
		return -1
	case a.f > b.f:
		return 1
	default:
		return 0
	}
}

func compare(op Operator, left, right any) (bool, error) {
	switch op {
	case OpEq:
		return equal(op, left, right)
	case OpNeq:
		eq, err := equal(op, left, right)
		return !eq, err
	case OpGt, OpGte, OpLt, OpLte:
		c, err := order(op, left, right)
		if err != nil {
			return false, err
		}

		switch op {
		case OpGt:
			return c > 0, nil
		case OpGte:
			return c >= 0, nil
		case OpLt:
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case OpIn:
		list, ok := right.([]any)
		if !ok {
			return false, &TypeMismatchError{Operator: string(op), Left: left, Right: right, Detail: "right operand must be a list"}
		}

		for _, item := range list {
			if sameKind(left, item) {
				if eq, _ := equal(op, left, item); eq {
					return true, nil
				}
			}
		}

		return false, nil
	case OpContains:
		return contains(left, right)
	default:
		return false, &SyntaxError{Expression: string(op), Reason: "unknown operator"}
	}
}

func equal(op Operator, left, right any) (bool, error) {
	if left == nil || right == nil {
		return left == nil && right == nil, nil
	}

	ln, lok := toNumber(left)
	rn, rok := toNumber(right)

	if lok && rok {
		return ln.cmp(rn) == 0, nil
	}

	if !sameKind(left, right) {
		return false, &TypeMismatchError{Operator: string(op), Left: left, Right: right}
	}

	return reflect.DeepEqual(left, right), nil
}

func order(op Operator, left, right any) (int, error) {
	ln, lok := toNumber(left)
	rn, rok := toNumber(right)

	if lok && rok {
		return ln.cmp(rn), nil
	}

	ls, lstr := left.(string)
	rs, rstr := right.(string)

	if lstr && rstr {
		return strings.Compare(ls, rs), nil
	}

	return 0, &TypeMismatchError{Operator: string(op), Left: left, Right: right}
}

func contains(left, right any) (bool, error) {
	switch l := left.(type) {
	case string:
		r, ok := right.(string)
		if !ok {
			return false, &TypeMismatchError{Operator: string(OpContains), Left: left, Right: right}
		}

		return strings.Contains(l, r), nil
	case []any:
		for _, item := range l {
			if sameKind(item, right) {
				if eq, _ := equal(OpContains, item, right); eq {
					return true, nil
				}
			}
		}

		return false, nil
	case map[string]any:
		key, ok := right.(string)
		if !ok {
			return false, &TypeMismatchError{Operator: string(OpContains), Left: left, Right: right, Detail: "map keys are strings"}
		}

		_, found := l[key]

		return found, nil
	default:
		return false, &TypeMismatchError{Operator: string(OpContains), Left: left, Right: right, Detail: "left operand must be a string, list or map"}
	}
}

func sameKind(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	_, an := toNumber(a)
	_, bn := toNumber(b)

	if an || bn {
		return an && bn
	}

	return reflect.TypeOf(a).Kind() == reflect.TypeOf(b).Kind()
}
