package openfmb

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UnitSymbolPrefix is the enum prefix carried by every UnitSymbolKind value.
const UnitSymbolPrefix = "UnitSymbolKind_"

// DefaultDateLayout renders dates the way a browser prints a Date.
const DefaultDateLayout = "Mon Jan 02 2006 15:04:05 GMT-0700 (MST)"

// UnitSuffix converts a raw unit symbol into the suffix printed after a value.
// "UnitSymbolKind_W" becomes " W"; anything else is returned unchanged.
func UnitSuffix(unit string) string {
	if strings.HasPrefix(unit, UnitSymbolPrefix) {
		return " " + strings.TrimPrefix(unit, UnitSymbolPrefix)
	}
	return unit
}

// Number is a decoded numeric field. Protobuf JSON spells non-finite floats
// as the strings "NaN", "Infinity" and "-Infinity"; those keep their spelling.
type Number struct {
	Value     decimal.Decimal
	NonFinite string
}

// NumberOf wraps a finite value.
func NumberOf(d decimal.Decimal) Number {
	return Number{Value: d}
}

func (n *Number) UnmarshalJSON(data []byte) error {
	switch s := string(data); s {
	case `"NaN"`, `"Infinity"`, `"-Infinity"`:
		*n = Number{NonFinite: strings.Trim(s, `"`)}
		return nil
	}
	n.NonFinite = ""
	return n.Value.UnmarshalJSON(data)
}

// String prints the value the way a browser prints a JSON number: the
// shortest digits that round-trip a float64, in exponent form outside
// [1e-6, 1e21) ("1e+21", "1.5e-7").
func (n Number) String() string {
	if n.NonFinite != "" {
		return n.NonFinite
	}
	f, _ := n.Value.Float64()
	switch {
	case f == 0:
		return "0"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	if a := math.Abs(f); a >= 1e-6 && a < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	mantissa, exp, _ := strings.Cut(strconv.FormatFloat(f, 'e', -1, 64), "e")
	return mantissa + "e" + exp[:1] + strings.TrimLeft(exp[1:], "0")
}

// FormatScalar renders a metered value followed by its unit suffix.
func FormatScalar(value Number, unit string) string {
	return value.String() + UnitSuffix(unit)
}

// FormatPhase renders a complex measurement as magnitude∠angle followed by its unit suffix.
func FormatPhase(magnitude, angle Number, unit string) string {
	return magnitude.String() + "∠" + angle.String() + UnitSuffix(unit)
}

// FormatDate renders a message timestamp in loc using layout.
// A nil loc means UTC and an empty layout means DefaultDateLayout.
func FormatDate(t time.Time, loc *time.Location, layout string) string {
	if loc == nil {
		loc = time.UTC
	}
	if layout == "" {
		layout = DefaultDateLayout
	}
	return t.In(loc).Format(layout)
}
