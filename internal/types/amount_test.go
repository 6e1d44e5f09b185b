package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		precision int
		want      Amount
		wantErr   bool
	}{
		{name: "integer", in: "250", precision: 2, want: 25000},
		{name: "full fraction", in: "250.00", precision: 2, want: 25000},
		{name: "short fraction padded", in: "250.5", precision: 2, want: 25050},
		{name: "zero precision", in: "42", precision: 0, want: 42},
		{name: "leading dot", in: ".50", precision: 2, want: 50},
		{name: "negative", in: "-3.25", precision: 2, want: -325},
		{name: "explicit plus", in: "+1.00", precision: 2, want: 100},
		{name: "whitespace trimmed", in: " 7.10 ", precision: 2, want: 710},
		{name: "too many fraction digits", in: "1.234", precision: 2, wantErr: true},
		{name: "fraction with zero precision", in: "1.2", precision: 0, wantErr: true},
		{name: "empty", in: "", precision: 2, wantErr: true},
		{name: "bare dot", in: ".", precision: 2, wantErr: true},
		{name: "two dots", in: "1.2.3", precision: 2, wantErr: true},
		{name: "letters", in: "12a", precision: 2, wantErr: true},
		{name: "negative precision", in: "1", precision: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.in, tt.precision)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		in        Amount
		precision int
		want      string
	}{
		{25000, 2, "250.00"},
		{25050, 2, "250.50"},
		{50, 2, "0.50"},
		{5, 2, "0.05"},
		{0, 2, "0.00"},
		{-325, 2, "-3.25"},
		{42, 0, "42"},
		{-42, 0, "-42"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatAmount(tt.in, tt.precision))
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	// Parsing what Format produced must return the original atoms.
	for _, atoms := range []Amount{0, 1, 99, 100, 12345, -12345, 1000000} {
		s := FormatAmount(atoms, 2)
		back, err := ParseAmount(s, 2)
		require.NoError(t, err)
		assert.Equal(t, atoms, back, "round trip of %q", s)
	}
}

func TestMulBps(t *testing.T) {
	assert.Equal(t, Amount(50), Amount(1000).MulBps(500))   // 5%
	assert.Equal(t, Amount(100), Amount(1000).MulBps(1000)) // 10%
	assert.Equal(t, Amount(0), Amount(9).MulBps(1000))      // rounds toward zero
	assert.Equal(t, Amount(1000), Amount(1000).MulBps(10000))
}

func TestMulBpsLargeAmounts(t *testing.T) {
	// Near the representable ceiling the product no longer fits int64;
	// the result must stay exact and positive, never wrap.
	got := MaxAmount.MulBps(500)
	assert.Equal(t, MaxAmount/20, got)
	assert.Positive(t, int64(got))

	// A factor above 1.0 that would exceed the ceiling saturates.
	assert.Equal(t, MaxAmount, MaxAmount.MulBps(20000))
	assert.Equal(t, MaxAmount, (MaxAmount / 2).MulBps(30000))

	// Small and negative inputs keep the plain rounding behavior.
	assert.Equal(t, Amount(-50), Amount(-1000).MulBps(500))
	assert.Equal(t, Amount(0), Amount(0).MulBps(500))
}

func TestMin(t *testing.T) {
	assert.Equal(t, Amount(3), Amount(3).Min(5))
	assert.Equal(t, Amount(3), Amount(5).Min(3))
	assert.Equal(t, Amount(-1), Amount(-1).Min(0))
}
