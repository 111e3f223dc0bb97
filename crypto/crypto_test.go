package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dag-consensus/models"
)

func TestHashDependsOnParentOrder(t *testing.T) {
	c := Default{}
	a := c.Hash([]byte("a"), nil)
	b := c.Hash([]byte("b"), nil)

	require.NotEqual(t, a, b)
	require.Equal(t, c.Hash([]byte("x"), []models.VertexID{a, b}), c.Hash([]byte("x"), []models.VertexID{a, b}))
	require.NotEqual(t, c.Hash([]byte("x"), []models.VertexID{a, b}), c.Hash([]byte("x"), []models.VertexID{b, a}))
	require.NotEqual(t, c.Hash([]byte("x"), []models.VertexID{a}), c.Hash([]byte("x"), nil))
}

func TestSignAndVerify(t *testing.T) {
	signer, err := NewSigner(make([]byte, 32))
	require.NoError(t, err)

	c := Default{}
	v := &models.Vertex{Payload: []byte("hello")}
	v.ID = c.Hash(v.Payload, nil)
	signer.Sign(v)

	require.True(t, c.Verify(v.SigningBytes(), v.Signature, v.Author))

	v.Signature[0] ^= 0xff
	require.False(t, c.Verify(v.SigningBytes(), v.Signature, v.Author))
	require.False(t, c.Verify(v.SigningBytes(), nil, v.Author))
}

func TestSignatureCoversConflictKey(t *testing.T) {
	signer, err := NewSigner(make([]byte, 32))
	require.NoError(t, err)

	c := Default{}
	v := &models.Vertex{Payload: []byte("spend"), ConflictKey: "coin-1"}
	v.ID = c.Hash(v.Payload, nil)
	signer.Sign(v)
	require.True(t, c.Verify(v.SigningBytes(), v.Signature, v.Author))

	stripped := *v
	stripped.ConflictKey = ""
	require.Equal(t, v.ID, stripped.ID)
	require.False(t, c.Verify(stripped.SigningBytes(), stripped.Signature, stripped.Author))

	moved := *v
	moved.ConflictKey = "coin-2"
	require.False(t, c.Verify(moved.SigningBytes(), moved.Signature, moved.Author))
}

func TestNewSignerRejectsBadSeed(t *testing.T) {
	_, err := NewSigner([]byte{1, 2, 3})
	require.Error(t, err)

	_, err = NewSignerFromHex("zz")
	require.Error(t, err)
}
