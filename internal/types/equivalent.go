package types

import "fmt"

// Equivalent is an opaque unit-of-account code with a declared decimal
// precision. All amounts in that equivalent are carried as atoms with
// the precision implied; no cross-equivalent arithmetic is ever
// performed.
type Equivalent struct {
	Code      string `json:"code"`
	Precision int    `json:"precision"`
}

// Validate checks the equivalent definition.
func (e Equivalent) Validate() error {
	if e.Code == "" {
		return fmt.Errorf("equivalent code is empty")
	}
	if e.Precision < 0 || e.Precision > 18 {
		return fmt.Errorf("equivalent %s: precision %d out of range [0,18]", e.Code, e.Precision)
	}
	return nil
}

// Parse converts a wire decimal into atoms for this equivalent.
func (e Equivalent) Parse(s string) (Amount, error) {
	return ParseAmount(s, e.Precision)
}

// Format renders atoms as a wire decimal for this equivalent.
func (e Equivalent) Format(a Amount) string {
	return FormatAmount(a, e.Precision)
}
