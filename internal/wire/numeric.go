package wire

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// numeric sign values per the wire format (spec.md §4.1).
const (
	numericPositive = 0x0000
	numericNegative = 0x4000
	numericNaN      = 0xC000
)

const numericDigitBase = 10000 // base-10^4 digits

// EncodeNumeric implements the `numeric` OID:
// {ndigits:i16, weight:i16, sign:i16, dscale:i16, digits:i16[ndigits]},
// each digit a base-10^4 value. The coefficient and exponent come from
// shopspring/decimal, which already rounds half-even on construction.
func EncodeNumeric(v decimal.Decimal) []byte {
	coeff := new(big.Int).Abs(v.Coefficient())
	neg := v.Sign() < 0
	exp := int(v.Exponent()) // value == coeff * 10^exp

	dscale := 0
	if exp < 0 {
		dscale = -exp
	}

	digitsStr := coeff.String()
	if coeff.Sign() == 0 {
		digitsStr = ""
	}

	// digitsStr has `dscale` fractional digits at its tail (possibly more
	// digits than that if exp > 0, in which case intLen absorbs the rest).
	intLen := len(digitsStr) - dscale
	if intLen < 0 {
		digitsStr = padLeft(digitsStr, -intLen)
		intLen = 0
	}

	leadPad := (4 - intLen%4) % 4
	trailPad := (4 - dscale%4) % 4
	full := repeatZero(leadPad) + digitsStr + repeatZero(trailPad)
	intLen += leadPad

	var groups []int16
	for i := 0; i < len(full); i += 4 {
		var g int
		fmt.Sscanf(full[i:i+4], "%4d", &g)
		groups = append(groups, int16(g))
	}

	weight := intLen/4 - 1

	// Trim leading all-zero integer groups (adjusting weight to match) and
	// trailing all-zero fractional groups; an all-zero value collapses to
	// zero digit groups, matching PostgreSQL's canonical NUMERIC 0.
	for len(groups) > 0 && groups[0] == 0 && weight >= 0 {
		groups = groups[1:]
		weight--
	}
	for len(groups) > 0 && groups[len(groups)-1] == 0 {
		groups = groups[:len(groups)-1]
	}
	if len(groups) == 0 {
		weight = 0
	}

	sign := int16(numericPositive)
	if neg && coeff.Sign() != 0 {
		sign = numericNegative
	}

	var buf []byte
	buf = appendUint16(buf, uint16(len(groups)))
	buf = appendUint16(buf, uint16(weight))
	buf = appendUint16(buf, uint16(sign))
	buf = appendUint16(buf, uint16(dscale))
	for _, g := range groups {
		buf = appendUint16(buf, uint16(g))
	}
	return buf
}

// DecodeNumeric implements the reverse direction, producing an exact
// shopspring/decimal value for any finite on-wire numeric. NaN is rejected
// since decimal.Decimal cannot represent it.
func DecodeNumeric(b []byte) (decimal.Decimal, error) {
	if len(b) < 8 {
		return decimal.Decimal{}, castErr("numeric", b)
	}
	ndigits := int(binary.BigEndian.Uint16(b[0:2]))
	weight := int16(binary.BigEndian.Uint16(b[2:4]))
	sign := binary.BigEndian.Uint16(b[4:6])
	dscale := int16(binary.BigEndian.Uint16(b[6:8]))

	if sign == numericNaN {
		return decimal.Decimal{}, &CastingError{TargetType: "numeric", SourceBytes: b, Err: fmt.Errorf("NaN has no decimal.Decimal representation")}
	}
	if sign != numericPositive && sign != numericNegative {
		return decimal.Decimal{}, castErr("numeric", b)
	}
	if len(b) < 8+ndigits*2 {
		return decimal.Decimal{}, castErr("numeric", b)
	}

	coeff := big.NewInt(0)
	base := big.NewInt(numericDigitBase)
	for i := 0; i < ndigits; i++ {
		digit := int64(binary.BigEndian.Uint16(b[8+i*2 : 10+i*2]))
		coeff.Mul(coeff, base)
		coeff.Add(coeff, big.NewInt(digit))
	}

	// The value so far is coeff * 10000^(weight - ndigits + 1) in groups;
	// express as coeff * 10^exp where exp accounts for group scale.
	groupExp := (int(weight) - ndigits + 1) * 4
	d := decimal.NewFromBigInt(coeff, int32(groupExp))
	if sign == numericNegative {
		d = d.Neg()
	}
	return d.Round(int32(dscale)), nil
}

func padLeft(s string, n int) string {
	if n <= 0 {
		return s
	}
	return repeatZero(n) + s
}

func repeatZero(n int) string {
	if n <= 0 {
		return ""
	}
	zeros := make([]byte, n)
	for i := range zeros {
		zeros[i] = '0'
	}
	return string(zeros)
}
