package security

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well known development key, never funded
const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestSigner_SignAndVerify(t *testing.T) {
	s, err := NewSigner(devKey)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), s.Address())

	payload := []byte(`{"events":[],"count":0}`)
	sig, err := s.Sign(payload)
	require.NoError(t, err)
	assert.Len(t, sig, 2+65*2)

	assert.NoError(t, Verify(payload, sig, s.Address()))
	assert.ErrorIs(t, Verify([]byte(`{"count":1}`), sig, s.Address()), ErrBadSignature)
	assert.ErrorIs(t, Verify(payload, sig, common.HexToAddress("0x01")), ErrBadSignature)
	assert.ErrorIs(t, Verify(payload, "0x1234", s.Address()), ErrBadSignature)
}

func TestNewSigner(t *testing.T) {
	a, err := NewSigner("")
	require.NoError(t, err)
	b, err := NewSigner("")
	require.NoError(t, err)
	assert.NotEqual(t, a.Address(), b.Address(), "ephemeral keys are random")

	_, err = NewSigner("not-a-key")
	assert.Error(t, err)
}
