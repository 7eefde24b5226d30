package condition

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindTime
	KindList
	KindRecord
)

var kindNames = [...]string{"null", "bool", "int", "float", "string", "time", "list", "record"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is the uniform representation of everything a condition can see:
// context entities, their fields and literals. The zero Value is Null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	t    time.Time
	list []Value
	rec  map[string]Value
}

func Null() Value { return Value{} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Time(t time.Time) Value { return Value{kind: KindTime, t: t} }
func List(items ...Value) Value { return Value{kind: KindList, list: items} }

// Record builds a record value. The map is owned by the Value afterwards.
func Record(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{kind: KindRecord, rec: fields}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }
func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }
func (v Value) Time() (time.Time, bool) { return v.t, v.kind == KindTime }
func (v Value) Items() ([]Value, bool) { return v.list, v.kind == KindList }
func (v Value) Int() (int64, bool) { return v.i, v.kind == KindInt }
func (v Value) Fields() map[string]Value { return v.rec }

// Number returns the numeric value of an int or float.
func (v Value) Number() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

// Field returns a record field. Missing fields and non-record receivers
// yield Null with ok=false.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindRecord {
		return Null(), false
	}
	f, ok := v.rec[name]
	return f, ok
}

// Interface converts back to plain Go values (nil, bool, int64, float64,
// string, time.Time, []any, map[string]any).
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindTime:
		return v.t
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case KindRecord:
		out := make(map[string]any, len(v.rec))
		for k, f := range v.rec {
			out[k] = f.Interface()
		}
		return out
	}
	return nil
}

// String formats the value for evidence references and debug output.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindString:
		return v.s
	case KindTime:
		return v.t.UTC().Format(time.RFC3339Nano)
	case KindList:
		parts := make([]string, len(v.list))
		for i, item := range v.list {
			parts[i] = item.literal()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindRecord:
		keys := make([]string, 0, len(v.rec))
		for k := range v.rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + v.rec[k].literal()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return ""
}

// literal renders the value the way it would be written in a condition.
func (v Value) literal() string {
	if v.kind == KindString {
		return strconv.Quote(v.s)
	}
	return v.String()
}

// Truthy reports whether the value counts as present for existence checks.
func (v Value) Truthy() bool { return v.kind != KindNull }

var timeType = reflect.TypeOf(time.Time{})

// FromAny normalizes plain Go data into a Value. Maps, structs (by json tag,
// falling back to the field name), pointers, slices and time values all map
// onto the same record/list/scalar variants so resolution has one path.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case bool:
		return Bool(t)
	case string:
		return String(t)
	case int:
		return Int(int64(t))
	case int64:
		return Int(t)
	case int32:
		return Int(int64(t))
	case float64:
		return Float(t)
	case float32:
		return Float(float64(t))
	case time.Time:
		return Time(t)
	case *time.Time:
		if t == nil {
			return Null()
		}
		return Time(*t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i)
		}
		if f, err := t.Float64(); err == nil {
			return Float(f)
		}
		return String(t.String())
	case map[string]any:
		rec := make(map[string]Value, len(t))
		for k, f := range t {
			rec[k] = FromAny(f)
		}
		return Record(rec)
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = FromAny(item)
		}
		return List(items...)
	case fmt.Stringer:
		if rv := reflect.ValueOf(x); rv.Kind() != reflect.Struct && rv.Kind() != reflect.Pointer {
			return String(t.String())
		}
	}
	return fromReflect(reflect.ValueOf(x))
}

func fromReflect(rv reflect.Value) Value {
	switch rv.Kind() {
	case reflect.Invalid:
		return Null()
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Null()
		}
		return fromReflect(rv.Elem())
	case reflect.Bool:
		return Bool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Int(int64(rv.Uint()))
	case reflect.Float32, reflect.Float64:
		return Float(rv.Float())
	case reflect.String:
		return String(rv.String())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return Null()
		}
		items := make([]Value, rv.Len())
		for i := range items {
			items[i] = fromReflect(rv.Index(i))
		}
		return List(items...)
	case reflect.Map:
		if rv.IsNil() {
			return Null()
		}
		rec := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			rec[fmt.Sprint(iter.Key().Interface())] = fromReflect(iter.Value())
		}
		return Record(rec)
	case reflect.Struct:
		if rv.Type() == timeType {
			return Time(rv.Interface().(time.Time))
		}
		return structRecord(rv)
	}
	return String(fmt.Sprint(rv.Interface()))
}

func structRecord(rv reflect.Value) Value {
	rt := rv.Type()
	rec := make(map[string]Value, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := sf.Name
		if tag, ok := sf.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct {
			inner := structRecord(rv.Field(i))
			for k, f := range inner.rec {
				if _, exists := rec[k]; !exists {
					rec[k] = f
				}
			}
			continue
		}
		rec[name] = fromReflect(rv.Field(i))
	}
	return Record(rec)
}
