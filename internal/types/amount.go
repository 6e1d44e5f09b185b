package types

import (
	"fmt"
	"math/bits"
	"strings"
)

// Amount is an integer number of atoms: the smallest unit of an
// equivalent, 10^-precision of a nominal unit. All arithmetic on amounts
// is exact integer arithmetic; decimal strings appear only at the wire
// boundary.
type Amount int64

// MaxAmount bounds parsed amounts so additions cannot overflow int64 in
// any realistic ledger.
const MaxAmount Amount = 1<<62 - 1

// ParseAmount converts a decimal string into atoms using the declared
// precision. The conversion is exact: more fractional digits than the
// precision allows is an error, fewer are padded with zeros.
func ParseAmount(s string, precision int) (Amount, error) {
	if precision < 0 {
		return 0, fmt.Errorf("negative precision %d", precision)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	negative := false
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if s == "" || s == "." {
		return 0, fmt.Errorf("malformed amount")
	}

	intPart := s
	fracPart := ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		intPart = s[:idx]
		fracPart = s[idx+1:]
		if strings.IndexByte(fracPart, '.') >= 0 {
			return 0, fmt.Errorf("malformed amount %q", s)
		}
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > precision {
		return 0, fmt.Errorf("amount %q exceeds precision %d", s, precision)
	}

	var atoms int64
	for _, c := range intPart {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("malformed amount %q", s)
		}
		atoms = atoms*10 + int64(c-'0')
		if atoms > int64(MaxAmount) {
			return 0, fmt.Errorf("amount %q out of range", s)
		}
	}
	for i := 0; i < precision; i++ {
		digit := int64(0)
		if i < len(fracPart) {
			c := fracPart[i]
			if c < '0' || c > '9' {
				return 0, fmt.Errorf("malformed amount %q", s)
			}
			digit = int64(c - '0')
		}
		atoms = atoms*10 + digit
		if atoms > int64(MaxAmount) {
			return 0, fmt.Errorf("amount %q out of range", s)
		}
	}

	if negative {
		atoms = -atoms
	}
	return Amount(atoms), nil
}

// FormatAmount renders atoms as an exact decimal string with the
// declared precision, e.g. 25000 atoms at precision 2 -> "250.00".
func FormatAmount(a Amount, precision int) string {
	negative := a < 0
	v := int64(a)
	if negative {
		v = -v
	}

	digits := fmt.Sprintf("%d", v)
	if precision == 0 {
		if negative {
			return "-" + digits
		}
		return digits
	}

	if len(digits) <= precision {
		digits = strings.Repeat("0", precision-len(digits)+1) + digits
	}
	out := digits[:len(digits)-precision] + "." + digits[len(digits)-precision:]
	if negative {
		out = "-" + out
	}
	return out
}

// Min returns the smaller of two amounts.
func (a Amount) Min(b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// MulBps multiplies an amount by a factor expressed in basis points
// (10000 = 1.0), rounding toward zero. Used by trust drift so growth and
// decay stay in integer arithmetic. The positive path widens to 128 bits
// and saturates at MaxAmount; a large amount near the representable
// ceiling must never wrap negative.
func (a Amount) MulBps(bps int64) Amount {
	if a <= 0 || bps <= 0 {
		return Amount(int64(a) * bps / 10000)
	}
	hi, lo := bits.Mul64(uint64(a), uint64(bps))
	if hi >= 10000 {
		return MaxAmount
	}
	q, _ := bits.Div64(hi, lo, 10000)
	if q > uint64(MaxAmount) {
		return MaxAmount
	}
	return Amount(q)
}
