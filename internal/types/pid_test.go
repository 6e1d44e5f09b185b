package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivePID(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")

	pid := DerivePID(key)
	require.NoError(t, ValidatePID(string(pid)))

	// Derivation is deterministic.
	assert.Equal(t, pid, DerivePID(key))

	// A different key yields a different PID.
	other := DerivePID([]byte("another key"))
	assert.NotEqual(t, pid, other)
}

func TestValidatePID(t *testing.T) {
	assert.Error(t, ValidatePID(""))
	assert.Error(t, ValidatePID("not-base58-0OIl"))
	assert.Error(t, ValidatePID("abc")) // decodes too short

	pid := DerivePID([]byte("k"))
	assert.NoError(t, ValidatePID(string(pid)))
}

func TestEquivalentValidate(t *testing.T) {
	assert.NoError(t, Equivalent{Code: "UAH", Precision: 2}.Validate())
	assert.NoError(t, Equivalent{Code: "HRS", Precision: 0}.Validate())
	assert.Error(t, Equivalent{Code: "", Precision: 2}.Validate())
	assert.Error(t, Equivalent{Code: "X", Precision: -1}.Validate())
	assert.Error(t, Equivalent{Code: "X", Precision: 19}.Validate())
}

func TestEquivalentParseFormat(t *testing.T) {
	eq := Equivalent{Code: "UAH", Precision: 2}

	a, err := eq.Parse("250.00")
	require.NoError(t, err)
	assert.Equal(t, Amount(25000), a)
	assert.Equal(t, "250.00", eq.Format(a))
}
