// Package snmp provides the SNMP client used to poll and control ePDUs.
package snmp

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gosnmp/gosnmp"
)

// Kind identifies the decoded type of a Value.
type Kind int

const (
	KindText Kind = iota
	KindInt
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	default:
		return "text"
	}
}

// Value is a decoded scalar: an integer, a float or text.
// The zero Value is empty text.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
}

// Values maps resolved OIDs (no leading dot) to decoded values.
type Values map[string]Value

// Int returns an integer Value.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Float returns a floating point Value.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// Text returns a text Value.
func Text(v string) Value { return Value{kind: KindText, s: v} }

// Kind returns the decoded kind.
func (v Value) Kind() Kind { return v.kind }

// Int returns the value as an integer. Floats are truncated, text is parsed
// and yields false when it is not numeric.
func (v Value) Int() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		return int64(v.f), true
	default:
		n, err := strconv.ParseInt(strings.TrimSpace(v.s), 10, 64)
		return n, err == nil
	}
}

// Float returns the value as a float64.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	default:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		return f, err == nil
	}
}

// String renders the value as text.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	default:
		return v.s
	}
}

// Interface returns the native Go value (int64, float64 or string).
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	default:
		return v.s
	}
}

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.i == o.i && v.s == o.s &&
		(v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f)))
}

// MarshalJSON encodes the value as its native JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindFloat && (math.IsNaN(v.f) || math.IsInf(v.f, 0)) {
		return json.Marshal(v.String())
	}
	return json.Marshal(v.Interface())
}

// Decode converts a variable binding into a Value. Integer interpretation is
// tried first, then floating point, then text. It never fails.
func Decode(pdu gosnmp.SnmpPDU) Value {
	switch pdu.Type {
	case gosnmp.Null, gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
		return Text("")
	case gosnmp.Counter64:
		// Counter64 values beyond int64 keep full precision as text
		if u, ok := pdu.Value.(uint64); ok && u > math.MaxInt64 {
			return Text(strconv.FormatUint(u, 10))
		}
	}
	return DecodeRaw(pdu.Value)
}

// DecodeRaw converts a raw wire value into a Value.
func DecodeRaw(raw interface{}) Value {
	switch v := raw.(type) {
	case nil:
		return Text("")
	case int:
		return Int(int64(v))
	case int8:
		return Int(int64(v))
	case int16:
		return Int(int64(v))
	case int32:
		return Int(int64(v))
	case int64:
		return Int(v)
	case uint:
		return Int(int64(v))
	case uint8:
		return Int(int64(v))
	case uint16:
		return Int(int64(v))
	case uint32:
		return Int(int64(v))
	case uint64:
		if v > math.MaxInt64 {
			return Text(strconv.FormatUint(v, 10))
		}
		return Int(int64(v))
	case float32:
		return Float(float64(v))
	case float64:
		return Float(v)
	case []byte:
		return parseText(string(v))
	case string:
		return parseText(v)
	case Value:
		return v
	default:
		return parseText(fmt.Sprint(v))
	}
}

func parseText(s string) Value {
	trimmed := strings.TrimSpace(s)
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return Int(n)
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return Float(f)
	}
	return Text(s)
}
