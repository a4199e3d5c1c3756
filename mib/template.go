// Package mib holds OID templates and the Eaton ePDU address table.
package mib

import (
	"fmt"
	"strconv"
	"strings"
)

// Slot names a placeholder segment of a Template.
type Slot string

const (
	SlotUnit  Slot = "unit"
	SlotIndex Slot = "index"
)

type segment struct {
	num  uint32
	slot Slot
}

// Template is an OID with named placeholder segments, for example
// 1.3.6.1.4.1.534.6.6.7.6.6.1.4.{unit}.{index}. It is immutable once parsed.
type Template struct {
	segs []segment
}

// Parse parses a dotted template. Placeholders are written {unit} and
// {index}; {index} may only appear as the final segment.
func Parse(s string) (Template, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), ".")
	if s == "" {
		return Template{}, fmt.Errorf("empty OID template")
	}

	parts := strings.Split(s, ".")
	segs := make([]segment, 0, len(parts))
	for i, p := range parts {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			slot := Slot(p[1 : len(p)-1])
			switch slot {
			case SlotUnit:
			case SlotIndex:
				if i != len(parts)-1 {
					return Template{}, fmt.Errorf("template %q: {index} must be the last segment", s)
				}
			default:
				return Template{}, fmt.Errorf("template %q: unknown slot %q", s, p)
			}
			segs = append(segs, segment{slot: slot})
			continue
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return Template{}, fmt.Errorf("template %q: bad segment %q", s, p)
		}
		segs = append(segs, segment{num: uint32(n)})
	}
	return Template{segs: segs}, nil
}

// MustParse is Parse for package-level tables; it panics on error.
func MustParse(s string) Template {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// HasIndex reports whether the template ends in an {index} slot.
func (t Template) HasIndex() bool {
	return len(t.segs) > 0 && t.segs[len(t.segs)-1].slot == SlotIndex
}

// Resolve substitutes unit and index. A template without an {index} slot
// ignores index.
func (t Template) Resolve(unit string, index int) string {
	return t.render(unit, strconv.Itoa(index), len(t.segs))
}

// Column resolves the unit and stops before the {index} slot, giving the
// column prefix to walk.
func (t Template) Column(unit string) string {
	n := len(t.segs)
	if t.HasIndex() {
		n--
	}
	return t.render(unit, "", n)
}

func (t Template) render(unit, index string, n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteByte('.')
		}
		switch t.segs[i].slot {
		case SlotUnit:
			sb.WriteString(unit)
		case SlotIndex:
			sb.WriteString(index)
		default:
			sb.WriteString(strconv.FormatUint(uint64(t.segs[i].num), 10))
		}
	}
	return sb.String()
}

// String returns the template in its parsed form.
func (t Template) String() string {
	var sb strings.Builder
	for i, s := range t.segs {
		if i > 0 {
			sb.WriteByte('.')
		}
		if s.slot != "" {
			sb.WriteString("{" + string(s.slot) + "}")
			continue
		}
		sb.WriteString(strconv.FormatUint(uint64(s.num), 10))
	}
	return sb.String()
}
