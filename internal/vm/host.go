package vm

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/goccy/go-json"
)

// DependencyResolver maps a dependency-table name to a runtime value at VM
// construction time.
type DependencyResolver func(name string) (Value, bool)

// DefaultHost returns a resolver covering the names the compiler can place
// in a dependency table. Console output goes to w.
func DefaultHost(w io.Writer) DependencyResolver {
	console := Console(w)
	global := GlobalObject(w)
	return func(name string) (Value, bool) {
		switch name {
		case "globalThis", "window":
			return global, true
		case "console":
			return console, true
		default:
			return Undefined(), false
		}
	}
}

// GlobalObject builds the global scope object exposed as globalThis.
func GlobalObject(w io.Writer) Value {
	g := map[string]Value{
		"NaN":        Number(math.NaN()),
		"Infinity":   Number(math.Inf(1)),
		"undefined":  Undefined(),
		"Math":       MathObject(),
		"JSON":       JSONObject(),
		"console":    Console(w),
		"parseInt":   NativeFunction("parseInt", builtinParseInt),
		"parseFloat": NativeFunction("parseFloat", builtinParseFloat),
		"isNaN": NativeFunction("isNaN", func(_ Value, args []Value) (Value, error) {
			return Bool(math.IsNaN(ToNumber(arg(args, 0)))), nil
		}),
		"isFinite": NativeFunction("isFinite", func(_ Value, args []Value) (Value, error) {
			n := ToNumber(arg(args, 0))
			return Bool(!math.IsNaN(n) && !math.IsInf(n, 0)), nil
		}),
		"String":  Constructor("String", builtinString, builtinString),
		"Number":  Constructor("Number", builtinNumber, builtinNumber),
		"Boolean": Constructor("Boolean", builtinBoolean, builtinBoolean),
		"Array":   Constructor("Array", builtinArray, builtinArray),
		"Object":  Constructor("Object", builtinObject, builtinObject),
	}
	return NewObject(g)
}

// Console builds a console object whose log method writes lines to w.
func Console(w io.Writer) Value {
	log := NativeFunction("log", func(_ Value, args []Value) (Value, error) {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = ToString(a)
		}
		fmt.Fprintln(w, strings.Join(parts, " "))
		return Undefined(), nil
	})
	return NewObject(map[string]Value{
		"log":   log,
		"error": log,
		"warn":  log,
	})
}

func MathObject() Value {
	unary := func(name string, fn func(float64) float64) Value {
		return NativeFunction(name, func(_ Value, args []Value) (Value, error) {
			return Number(fn(ToNumber(arg(args, 0)))), nil
		})
	}
	return NewObject(map[string]Value{
		"PI":    Number(math.Pi),
		"E":     Number(math.E),
		"abs":   unary("abs", math.Abs),
		"floor": unary("floor", math.Floor),
		"ceil":  unary("ceil", math.Ceil),
		"sqrt":  unary("sqrt", math.Sqrt),
		"trunc": unary("trunc", math.Trunc),
		"round": unary("round", func(f float64) float64 { return math.Floor(f + 0.5) }),
		"pow": NativeFunction("pow", func(_ Value, args []Value) (Value, error) {
			return Number(math.Pow(ToNumber(arg(args, 0)), ToNumber(arg(args, 1)))), nil
		}),
		"max": NativeFunction("max", func(_ Value, args []Value) (Value, error) {
			return reduceNumbers(args, math.Inf(-1), math.Max), nil
		}),
		"min": NativeFunction("min", func(_ Value, args []Value) (Value, error) {
			return reduceNumbers(args, math.Inf(1), math.Min), nil
		}),
		"random": NativeFunction("random", func(_ Value, _ []Value) (Value, error) {
			return Number(rand.Float64()), nil
		}),
	})
}

func reduceNumbers(args []Value, zero float64, fn func(a, b float64) float64) Value {
	out := zero
	for _, a := range args {
		n := ToNumber(a)
		if math.IsNaN(n) {
			return Number(math.NaN())
		}
		out = fn(out, n)
	}
	return Number(out)
}

func JSONObject() Value {
	return NewObject(map[string]Value{
		"stringify": NativeFunction("stringify", func(_ Value, args []Value) (Value, error) {
			plain, err := toInterface(arg(args, 0))
			if err != nil {
				return Undefined(), fmt.Errorf("JSON.stringify: %w", err)
			}
			raw, err := json.Marshal(plain)
			if err != nil {
				return Undefined(), fmt.Errorf("JSON.stringify: %w", err)
			}
			return String(string(raw)), nil
		}),
		"parse": NativeFunction("parse", func(_ Value, args []Value) (Value, error) {
			var decoded interface{}
			if err := json.Unmarshal([]byte(ToString(arg(args, 0))), &decoded); err != nil {
				return Undefined(), fmt.Errorf("JSON.parse: %w", err)
			}
			return fromInterface(decoded), nil
		}),
	})
}

func toInterface(v Value) (interface{}, error) {
	return toInterfaceVisiting(v, nil)
}

func toInterfaceVisiting(v Value, visiting map[interface{}]bool) (interface{}, error) {
	switch v.Kind {
	case KindNumber:
		return v.Num, nil
	case KindString:
		return v.Str, nil
	case KindBool:
		return v.B, nil
	case KindArray:
		if visiting[v.Arr] {
			return nil, fmt.Errorf("converting circular structure")
		}
		if visiting == nil {
			visiting = make(map[interface{}]bool)
		}
		visiting[v.Arr] = true
		out := make([]interface{}, len(v.Arr.Elems))
		for i, el := range v.Arr.Elems {
			plain, err := toInterfaceVisiting(el, visiting)
			if err != nil {
				return nil, err
			}
			out[i] = plain
		}
		delete(visiting, v.Arr)
		return out, nil
	case KindObject:
		if visiting[v.Obj] {
			return nil, fmt.Errorf("converting circular structure")
		}
		if visiting == nil {
			visiting = make(map[interface{}]bool)
		}
		visiting[v.Obj] = true
		out := make(map[string]interface{}, len(v.Obj.Props))
		for k, el := range v.Obj.Props {
			if el.Kind == KindUndefined || el.Kind == KindFunc {
				continue
			}
			plain, err := toInterfaceVisiting(el, visiting)
			if err != nil {
				return nil, err
			}
			out[k] = plain
		}
		delete(visiting, v.Obj)
		return out, nil
	default:
		return nil, nil
	}
}

func fromInterface(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Undefined()
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case string:
		return String(t)
	case []interface{}:
		elems := make([]Value, len(t))
		for i, el := range t {
			elems[i] = fromInterface(el)
		}
		return NewArray(elems)
	case map[string]interface{}:
		props := make(map[string]Value, len(t))
		for k, el := range t {
			props[k] = fromInterface(el)
		}
		return NewObject(props)
	default:
		return Undefined()
	}
}

func builtinParseInt(_ Value, args []Value) (Value, error) {
	s := strings.TrimSpace(ToString(arg(args, 0)))
	radix := 10
	if r := arg(args, 1); r.Kind == KindNumber && r.Num != 0 {
		radix = int(r.Num)
		if radix < 2 || radix > 36 {
			return Number(math.NaN()), nil
		}
	}
	sign := 1.0
	if strings.HasPrefix(s, "-") {
		sign, s = -1, s[1:]
	} else if strings.HasPrefix(s, "+") {
		s = s[1:]
	}
	if radix == 16 || (radix == 10 && len(args) < 2) {
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			radix, s = 16, s[2:]
		}
	}
	end := 0
	for end < len(s) && digitValue(s[end]) < radix {
		end++
	}
	if end == 0 {
		return Number(math.NaN()), nil
	}
	n, err := strconv.ParseInt(s[:end], radix, 64)
	if err != nil {
		return Number(math.NaN()), nil
	}
	return Number(sign * float64(n)), nil
}

func digitValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10
	default:
		return 99
	}
}

func builtinParseFloat(_ Value, args []Value) (Value, error) {
	s := strings.TrimSpace(ToString(arg(args, 0)))
	end := len(s)
	for end > 0 {
		if _, err := strconv.ParseFloat(s[:end], 64); err == nil {
			break
		}
		end--
	}
	if end == 0 {
		return Number(math.NaN()), nil
	}
	n, _ := strconv.ParseFloat(s[:end], 64)
	return Number(n), nil
}

func builtinString(_ Value, args []Value) (Value, error) {
	if len(args) == 0 {
		return String(""), nil
	}
	return String(ToString(args[0])), nil
}

func builtinObject(_ Value, args []Value) (Value, error) {
	if v := arg(args, 0); isReference(v) {
		return v, nil
	}
	return NewObject(nil), nil
}

func builtinBoolean(_ Value, args []Value) (Value, error) {
	return Bool(Truthy(arg(args, 0))), nil
}

func builtinNumber(_ Value, args []Value) (Value, error) {
	if len(args) == 0 {
		return Number(0), nil
	}
	return Number(ToNumber(args[0])), nil
}

func builtinArray(_ Value, args []Value) (Value, error) {
	if len(args) == 1 && args[0].Kind == KindNumber {
		n := int(args[0].Num)
		if n < 0 || float64(n) != args[0].Num {
			return Undefined(), fmt.Errorf("invalid array length %s", ToString(args[0]))
		}
		return NewArray(make([]Value, n)), nil
	}
	return NewArray(append([]Value(nil), args...)), nil
}

func arg(args []Value, i int) Value {
	if i < len(args) {
		return args[i]
	}
	return Undefined()
}

// propertyGet resolves GET_PROPERTY and member-call lookup on any base
// value. Missing keys on objects and arrays yield undefined; reading from
// undefined is an error.
func propertyGet(base, key Value) (Value, error) {
	name := ToString(key)
	switch base.Kind {
	case KindUndefined:
		return Undefined(), fmt.Errorf("cannot read property %q of undefined", name)
	case KindObject:
		if v, ok := base.Obj.Props[name]; ok {
			return v, nil
		}
		return Undefined(), nil
	case KindArray:
		if name == "length" {
			return Number(float64(len(base.Arr.Elems))), nil
		}
		if idx, ok := arrayIndex(key, len(base.Arr.Elems)); ok {
			return base.Arr.Elems[idx], nil
		}
		return arrayMethod(base, name), nil
	case KindString:
		// string positions count UTF-16 code units, not bytes
		units := stringUnits(base.Str)
		if name == "length" {
			return Number(float64(len(units))), nil
		}
		if idx, ok := arrayIndex(key, len(units)); ok {
			return String(unitsString(units[idx : idx+1])), nil
		}
		return stringMethod(base, name), nil
	case KindNumber:
		return numberMethod(base, name), nil
	case KindBool:
		if name == "toString" {
			return NativeFunction("toString", func(this Value, _ []Value) (Value, error) {
				return String(ToString(base)), nil
			}), nil
		}
		return Undefined(), nil
	case KindFunc:
		if name == "name" {
			return String(base.Fn.Name), nil
		}
		return Undefined(), nil
	default:
		return Undefined(), nil
	}
}

func arrayIndex(key Value, length int) (int, bool) {
	var idx int
	switch key.Kind {
	case KindNumber:
		idx = int(key.Num)
		if float64(idx) != key.Num {
			return 0, false
		}
	case KindString:
		n, err := strconv.Atoi(key.Str)
		if err != nil {
			return 0, false
		}
		idx = n
	default:
		return 0, false
	}
	if idx < 0 || idx >= length {
		return 0, false
	}
	return idx, true
}

func arrayMethod(base Value, name string) Value {
	arr := base.Arr
	switch name {
	case "push":
		return NativeFunction("push", func(_ Value, args []Value) (Value, error) {
			arr.Elems = append(arr.Elems, args...)
			return Number(float64(len(arr.Elems))), nil
		})
	case "pop":
		return NativeFunction("pop", func(_ Value, _ []Value) (Value, error) {
			if len(arr.Elems) == 0 {
				return Undefined(), nil
			}
			last := arr.Elems[len(arr.Elems)-1]
			arr.Elems = arr.Elems[:len(arr.Elems)-1]
			return last, nil
		})
	case "join":
		return NativeFunction("join", func(_ Value, args []Value) (Value, error) {
			sep := ","
			if s := arg(args, 0); s.Kind != KindUndefined {
				sep = ToString(s)
			}
			parts := make([]string, len(arr.Elems))
			for i, el := range arr.Elems {
				if el.Kind != KindUndefined {
					parts[i] = ToString(el)
				}
			}
			return String(strings.Join(parts, sep)), nil
		})
	case "indexOf":
		return NativeFunction("indexOf", func(_ Value, args []Value) (Value, error) {
			want := arg(args, 0)
			for i, el := range arr.Elems {
				if StrictEquals(el, want) {
					return Number(float64(i)), nil
				}
			}
			return Number(-1), nil
		})
	case "slice":
		return NativeFunction("slice", func(_ Value, args []Value) (Value, error) {
			from, to := sliceBounds(args, len(arr.Elems))
			return NewArray(append([]Value(nil), arr.Elems[from:to]...)), nil
		})
	default:
		return Undefined()
	}
}

func stringMethod(base Value, name string) Value {
	s := base.Str
	units := stringUnits(s)
	switch name {
	case "charAt":
		return NativeFunction("charAt", func(_ Value, args []Value) (Value, error) {
			if idx, ok := arrayIndex(Number(ToNumber(arg(args, 0))), len(units)); ok {
				return String(unitsString(units[idx : idx+1])), nil
			}
			return String(""), nil
		})
	case "charCodeAt":
		return NativeFunction("charCodeAt", func(_ Value, args []Value) (Value, error) {
			if idx, ok := arrayIndex(Number(ToNumber(arg(args, 0))), len(units)); ok {
				return Number(float64(units[idx])), nil
			}
			return Number(math.NaN()), nil
		})
	case "indexOf":
		return NativeFunction("indexOf", func(_ Value, args []Value) (Value, error) {
			needle := stringUnits(ToString(arg(args, 0)))
			return Number(float64(indexOfUnits(units, needle))), nil
		})
	case "slice":
		return NativeFunction("slice", func(_ Value, args []Value) (Value, error) {
			from, to := sliceBounds(args, len(units))
			return String(unitsString(units[from:to])), nil
		})
	case "split":
		return NativeFunction("split", func(_ Value, args []Value) (Value, error) {
			sep := arg(args, 0)
			if sep.Kind == KindUndefined {
				return NewArray([]Value{String(s)}), nil
			}
			parts := strings.Split(s, ToString(sep))
			elems := make([]Value, len(parts))
			for i, p := range parts {
				elems[i] = String(p)
			}
			return NewArray(elems), nil
		})
	case "toUpperCase":
		return NativeFunction("toUpperCase", func(_ Value, _ []Value) (Value, error) {
			return String(strings.ToUpper(s)), nil
		})
	case "toLowerCase":
		return NativeFunction("toLowerCase", func(_ Value, _ []Value) (Value, error) {
			return String(strings.ToLower(s)), nil
		})
	default:
		return Undefined()
	}
}

func sliceBounds(args []Value, length int) (int, int) {
	norm := func(v Value, def int) int {
		if v.Kind == KindUndefined {
			return def
		}
		n := int(ToNumber(v))
		if n < 0 {
			n += length
		}
		if n < 0 {
			n = 0
		}
		if n > length {
			n = length
		}
		return n
	}
	from := norm(arg(args, 0), 0)
	to := norm(arg(args, 1), length)
	if to < from {
		to = from
	}
	return from, to
}

func stringUnits(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

func unitsString(units []uint16) string {
	return string(utf16.Decode(units))
}

func indexOfUnits(haystack, needle []uint16) int {
	if len(needle) == 0 {
		return 0
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j, u := range needle {
			if haystack[i+j] != u {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func numberMethod(base Value, name string) Value {
	n := base.Num
	switch name {
	case "toString":
		return NativeFunction("toString", func(_ Value, args []Value) (Value, error) {
			if r := arg(args, 0); r.Kind == KindNumber && r.Num != 10 {
				radix := int(r.Num)
				if radix < 2 || radix > 36 {
					return Undefined(), fmt.Errorf("toString radix %d out of range", radix)
				}
				return String(formatRadix(n, radix)), nil
			}
			return String(FormatNumber(n)), nil
		})
	case "toFixed":
		return NativeFunction("toFixed", func(_ Value, args []Value) (Value, error) {
			digits := int(ToNumber(arg(args, 0)))
			if math.IsNaN(ToNumber(arg(args, 0))) {
				digits = 0
			}
			if digits < 0 || digits > 100 {
				return Undefined(), fmt.Errorf("toFixed digits %d out of range", digits)
			}
			return String(strconv.FormatFloat(n, 'f', digits, 64)), nil
		})
	default:
		return Undefined()
	}
}

// formatRadix renders a number in an arbitrary base, fractional part
// included. Magnitudes past int64 fall back to the decimal form.
func formatRadix(n float64, radix int) string {
	if math.IsNaN(n) || n == 0 {
		return FormatNumber(n)
	}
	if math.IsInf(n, 0) || math.Abs(n) >= math.MaxInt64 {
		return FormatNumber(n)
	}
	neg := math.Signbit(n)
	n = math.Abs(n)
	ipart := math.Floor(n)
	out := strconv.FormatInt(int64(ipart), radix)
	if frac := n - ipart; frac > 0 {
		const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
		var b strings.Builder
		for i := 0; i < 20 && frac > 0; i++ {
			frac *= float64(radix)
			d := int(math.Floor(frac))
			b.WriteByte(digits[d])
			frac -= float64(d)
		}
		out += "." + b.String()
	}
	if neg {
		out = "-" + out
	}
	return out
}
