package hdwallet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestDeriveIsDeterministic(t *testing.T) {
	w, err := New(testMnemonic)
	require.NoError(t, err)

	a := w.Derive(7)
	b := w.Derive(7)
	require.Equal(t, a.Address, b.Address)

	c := w.Derive(8)
	require.NotEqual(t, a.Address, c.Address)
}

func TestInvalidMnemonicRejected(t *testing.T) {
	_, err := New("not a valid mnemonic at all")
	require.ErrorIs(t, err, ErrInvalidMnemonic)
}

func TestRootAddressIsIndexZero(t *testing.T) {
	w, err := New(testMnemonic)
	require.NoError(t, err)
	require.Equal(t, w.Derive(0).Address, w.RootAddress())
}
