// Package crypto provides the hash and signature primitives used to identify and
// authenticate vertices.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"dag-consensus/models"
)

// Crypto is the collaborator consumed by the engine.
type Crypto interface {
	// Hash derives a vertex id from its payload and ordered parent ids.
	Hash(payload []byte, parents []models.VertexID) models.VertexID
	// Verify checks signature over msg against the author public key.
	Verify(msg, signature, author []byte) bool
}

// Default hashes with blake2b-256 and verifies ed25519 signatures.
type Default struct{}

var _ Crypto = Default{}

func (Default) Hash(payload []byte, parents []models.VertexID) models.VertexID {
	h, _ := blake2b.New256(nil) // only fails for keys longer than 64 bytes
	h.Write(payload)
	for _, p := range parents {
		h.Write(p[:])
	}
	var id models.VertexID
	copy(id[:], h.Sum(nil))
	return id
}

func (Default) Verify(msg, signature, author []byte) bool {
	if len(author) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(author), msg, signature)
}

// Signer signs vertex ids on behalf of the local node.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSigner derives a signer from a 32 byte seed.
func NewSigner(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Errorf("invalid seed length %d, expected %d", len(seed), ed25519.SeedSize)
	}
	return &Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// NewSignerFromHex is NewSigner for a hex encoded seed.
func NewSignerFromHex(seedHex string) (*Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, errors.Wrap(err, "decode seed")
	}
	return NewSigner(seed)
}

// GenerateSigner creates a signer with a random key.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate ed25519 key")
	}
	return &Signer{priv: priv}, nil
}

// PublicKey returns the author key recorded in signed vertices.
func (s *Signer) PublicKey() []byte {
	return []byte(s.priv.Public().(ed25519.PublicKey))
}

// Sign signs the vertex id with its conflict key and fills in author and signature.
func (s *Signer) Sign(v *models.Vertex) {
	v.Author = s.PublicKey()
	v.Signature = ed25519.Sign(s.priv, v.SigningBytes())
}

// Seed returns the seed the key derives from, as accepted by NewSigner.
func (s *Signer) Seed() []byte {
	return s.priv.Seed()
}
