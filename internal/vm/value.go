package vm

import (
	"math"
	"strconv"
	"strings"
)

type Kind int

const (
	KindUndefined Kind = iota
	KindNumber
	KindString
	KindBool
	KindArray
	KindObject
	KindFunc
)

// Value is a tagged runtime value. Arrays, objects and functions are held by
// pointer so strict equality is reference identity, matching host-object
// semantics.
type Value struct {
	Kind Kind
	Num  float64
	Str  string
	B    bool
	Arr  *Array
	Obj  *Object
	Fn   *Func
}

type Array struct {
	Elems []Value
}

type Object struct {
	Props map[string]Value
}

// NativeFunc is a host-provided callable. The VM cannot introspect it beyond
// invoking it or reading its name.
type NativeFunc func(this Value, args []Value) (Value, error)

type Func struct {
	Name      string
	Call      NativeFunc
	Construct NativeFunc
}

func Undefined() Value        { return Value{Kind: KindUndefined} }
func Number(n float64) Value  { return Value{Kind: KindNumber, Num: n} }
func String(s string) Value   { return Value{Kind: KindString, Str: s} }
func Bool(b bool) Value       { return Value{Kind: KindBool, B: b} }
func NewArray(elems []Value) Value {
	if elems == nil {
		elems = []Value{}
	}
	return Value{Kind: KindArray, Arr: &Array{Elems: elems}}
}
func NewObject(props map[string]Value) Value {
	if props == nil {
		props = map[string]Value{}
	}
	return Value{Kind: KindObject, Obj: &Object{Props: props}}
}
func NativeFunction(name string, fn NativeFunc) Value {
	return Value{Kind: KindFunc, Fn: &Func{Name: name, Call: fn}}
}

// Constructor builds a function value with an explicit construction behavior
// for INIT_CONSTRUCTOR.
func Constructor(name string, call, construct NativeFunc) Value {
	return Value{Kind: KindFunc, Fn: &Func{Name: name, Call: call, Construct: construct}}
}

func Truthy(v Value) bool {
	switch v.Kind {
	case KindUndefined:
		return false
	case KindNumber:
		return v.Num != 0 && !math.IsNaN(v.Num)
	case KindString:
		return v.Str != ""
	case KindBool:
		return v.B
	default:
		return true
	}
}

// TypeOf reports the typeof string for a value. Arrays and objects are both
// "object", as in the host language.
func TypeOf(v Value) string {
	switch v.Kind {
	case KindUndefined:
		return "undefined"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "boolean"
	case KindFunc:
		return "function"
	default:
		return "object"
	}
}

// ToNumber applies host numeric coercion.
func ToNumber(v Value) float64 {
	switch v.Kind {
	case KindNumber:
		return v.Num
	case KindBool:
		if v.B {
			return 1
		}
		return 0
	case KindString:
		return stringToNumber(v.Str)
	case KindUndefined:
		return math.NaN()
	case KindArray:
		// via string conversion: [] -> 0, [x] -> ToNumber(x)
		return stringToNumber(ToString(v))
	default:
		return math.NaN()
	}
}

func stringToNumber(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if s == "Infinity" || s == "+Infinity" {
		return math.Inf(1)
	}
	if s == "-Infinity" {
		return math.Inf(-1)
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if n, err := strconv.ParseUint(s[2:], 16, 64); err == nil {
			return float64(n)
		}
		return math.NaN()
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return n
}

// ToString applies host string coercion.
func ToString(v Value) string {
	return toString(v, nil)
}

func toString(v Value, visiting map[*Array]bool) string {
	switch v.Kind {
	case KindUndefined:
		return "undefined"
	case KindNumber:
		return FormatNumber(v.Num)
	case KindString:
		return v.Str
	case KindBool:
		if v.B {
			return "true"
		}
		return "false"
	case KindArray:
		// an array already being stringified renders empty, as join does
		if visiting[v.Arr] {
			return ""
		}
		if visiting == nil {
			visiting = make(map[*Array]bool)
		}
		visiting[v.Arr] = true
		parts := make([]string, len(v.Arr.Elems))
		for i, el := range v.Arr.Elems {
			if el.Kind == KindUndefined {
				continue
			}
			parts[i] = toString(el, visiting)
		}
		delete(visiting, v.Arr)
		return strings.Join(parts, ",")
	case KindFunc:
		return "function " + v.Fn.Name + "() { [native code] }"
	default:
		return "[object Object]"
	}
}

// FormatNumber renders a float the way the host language stringifies numbers.
func FormatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case f == 0:
		// negative zero stringifies without the sign
		return "0"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case math.Abs(f) < 1e21:
		return strconv.FormatFloat(f, 'f', -1, 64)
	default:
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
}

// ToInt32 and ToUint32 implement the host's modular integer coercions used
// by the bitwise and shift operators.
func ToInt32(v Value) int32 {
	return int32(toUint32Bits(ToNumber(v)))
}

func ToUint32(v Value) uint32 {
	return toUint32Bits(ToNumber(v))
}

func toUint32Bits(f float64) uint32 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return uint32(int64(math.Trunc(f)))
}

// StrictEquals compares without coercion; reference identity for arrays,
// objects and functions.
func StrictEquals(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindUndefined:
		return true
	case KindNumber:
		return a.Num == b.Num
	case KindString:
		return a.Str == b.Str
	case KindBool:
		return a.B == b.B
	case KindArray:
		return a.Arr == b.Arr
	case KindObject:
		return a.Obj == b.Obj
	case KindFunc:
		return a.Fn == b.Fn
	default:
		return false
	}
}

// LooseEquals applies the host's abstract equality coercions.
func LooseEquals(a, b Value) bool {
	if a.Kind == b.Kind {
		return StrictEquals(a, b)
	}
	switch {
	case a.Kind == KindNumber && b.Kind == KindString:
		return a.Num == stringToNumber(b.Str)
	case a.Kind == KindString && b.Kind == KindNumber:
		return stringToNumber(a.Str) == b.Num
	case a.Kind == KindBool:
		return LooseEquals(Number(ToNumber(a)), b)
	case b.Kind == KindBool:
		return LooseEquals(a, Number(ToNumber(b)))
	case isReference(a) && isPrimitive(b):
		return LooseEquals(String(ToString(a)), b)
	case isPrimitive(a) && isReference(b):
		return LooseEquals(a, String(ToString(b)))
	default:
		return false
	}
}

func isReference(v Value) bool {
	return v.Kind == KindArray || v.Kind == KindObject || v.Kind == KindFunc
}

func isPrimitive(v Value) bool {
	return v.Kind == KindNumber || v.Kind == KindString
}

// Add implements the host + operator: string concatenation when either
// primitive is a string, numeric addition otherwise.
func Add(a, b Value) Value {
	pa, pb := toPrimitive(a), toPrimitive(b)
	if pa.Kind == KindString || pb.Kind == KindString {
		return String(ToString(pa) + ToString(pb))
	}
	return Number(ToNumber(pa) + ToNumber(pb))
}

func toPrimitive(v Value) Value {
	if isReference(v) {
		return String(ToString(v))
	}
	return v
}

// LessThan implements the host relational comparison: lexicographic when
// both operands coerce to strings, numeric otherwise. The second result is
// false when the comparison is undefined (a NaN operand).
func LessThan(a, b Value) (bool, bool) {
	pa, pb := toPrimitive(a), toPrimitive(b)
	if pa.Kind == KindString && pb.Kind == KindString {
		return pa.Str < pb.Str, true
	}
	na, nb := ToNumber(pa), ToNumber(pb)
	if math.IsNaN(na) || math.IsNaN(nb) {
		return false, false
	}
	return na < nb, true
}
