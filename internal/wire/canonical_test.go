package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeJSONSortsKeys(t *testing.T) {
	out, err := CanonicalizeJSON([]byte(`{"b": 2, "a": 1, "c": {"y": true, "x": null}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":{"x":null,"y":true}}`, string(out))
}

func TestCanonicalizeJSONKeepsNumbersVerbatim(t *testing.T) {
	// Large integers and decimal forms must survive untouched; float64
	// round trips would mangle them.
	out, err := CanonicalizeJSON([]byte(`{"n": 9007199254740993, "d": 250.00}`))
	require.NoError(t, err)
	assert.Equal(t, `{"d":250.00,"n":9007199254740993}`, string(out))
}

func TestCanonicalizeJSONNormalizesStrings(t *testing.T) {
	// e + combining acute (NFD) must canonicalize equal to the
	// precomposed form (NFC).
	nfd, err := CanonicalizeJSON([]byte("{\"name\":\"Jos\u0065\u0301\"}"))
	require.NoError(t, err)
	nfc, err := CanonicalizeJSON([]byte("{\"name\":\"Jos\u00e9\"}"))
	require.NoError(t, err)
	assert.Equal(t, string(nfc), string(nfd))
}

func TestCanonicalizeJSONPreservesArrayOrder(t *testing.T) {
	out, err := CanonicalizeJSON([]byte(`[3, 1, 2]`))
	require.NoError(t, err)
	assert.Equal(t, `[3,1,2]`, string(out))
}

func TestHashStableUnderKeyReordering(t *testing.T) {
	h1, err := CanonicalizeJSON([]byte(`{"tx_id":"t1","amount":"250.00"}`))
	require.NoError(t, err)
	h2, err := CanonicalizeJSON([]byte(`{"amount":"250.00","tx_id":"t1"}`))
	require.NoError(t, err)
	assert.Equal(t, string(h1), string(h2))
}

func TestHashOfStruct(t *testing.T) {
	type req struct {
		TxID   string `json:"tx_id"`
		Amount string `json:"amount"`
	}
	h1, err := Hash(req{TxID: "t1", Amount: "250.00"})
	require.NoError(t, err)
	h2, err := Hash(req{TxID: "t1", Amount: "250.00"})
	require.NoError(t, err)
	h3, err := Hash(req{TxID: "t1", Amount: "250.01"})
	require.NoError(t, err)

	assert.Len(t, h1, 64)
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestCanonicalizeJSONRejectsGarbage(t *testing.T) {
	_, err := CanonicalizeJSON([]byte(`{"a":`))
	assert.Error(t, err)
}
