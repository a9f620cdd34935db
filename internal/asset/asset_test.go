package asset

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func TestParse_Native(t *testing.T) {
	for _, s := range []string{"native", "NATIVE", " native "} {
		a, err := Parse(s)
		require.NoError(t, err)
		assert.True(t, a.IsNative())
	}
}

func TestParse_Token(t *testing.T) {
	a, err := Parse("0x00000000000000000000000000000000000000AA")
	require.NoError(t, err)
	assert.Equal(t, Token(tokenAddr), a)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", a.String())
}

func TestParse_Rejects(t *testing.T) {
	for _, s := range []string{"0x1234", "usdc", "0x0000000000000000000000000000000000000000"} {
		_, err := Parse(s)
		assert.ErrorIs(t, err, ErrInvalidAsset, s)
	}
}

func TestAsset_JSONRoundTrip(t *testing.T) {
	type wrapper struct {
		Asset Asset `json:"asset"`
	}
	b, err := json.Marshal(wrapper{Asset: Token(tokenAddr)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"asset":"0x00000000000000000000000000000000000000aa"}`, string(b))

	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"asset":"native"}`), &w))
	assert.True(t, w.Asset.IsNative())
}

func TestAsset_Valid(t *testing.T) {
	assert.True(t, Native().Valid())
	assert.True(t, Token(tokenAddr).Valid())
	assert.False(t, Token(common.Address{}).Valid())
	assert.False(t, Asset{Kind: KindNative, Token: tokenAddr}.Valid())
}

func TestWhitelist(t *testing.T) {
	w := NewWhitelist(Token(tokenAddr), Native())
	assert.True(t, w.Contains(Native()))
	assert.True(t, w.Contains(Token(tokenAddr)))
	assert.False(t, w.Contains(Token(common.HexToAddress("0x01"))))

	list := w.List()
	require.Len(t, list, 2)
	assert.True(t, list[0].IsNative(), "native sorts first")

	clone := w.Clone()
	delete(clone, Native())
	assert.True(t, w.Contains(Native()), "clone must not alias")
}

func TestParseList(t *testing.T) {
	list, err := ParseList("native, 0x00000000000000000000000000000000000000aa,")
	require.NoError(t, err)
	assert.Equal(t, []Asset{Native(), Token(tokenAddr)}, list)

	_, err = ParseList("native,bogus")
	assert.Error(t, err)
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("00000000000000000000000000000000000000aa")
	require.NoError(t, err)
	assert.Equal(t, tokenAddr, addr)
	assert.False(t, IsZero(addr))
	assert.True(t, IsZero(common.Address{}))

	_, err = ParseAddress("0xnope")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
