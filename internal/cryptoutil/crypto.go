// Package cryptoutil implements the crypto primitives of §4.1: keypair
// generation, hybrid public-key encryption, and content hashing. The scheme
// is NaCl box (curve25519-xsalsa20-poly1305, golang.org/x/crypto/nacl/box):
// a fresh ephemeral keypair encrypts the payload directly to the recipient's
// public key. The wire layout is [ephemeral_pub(32) || nonce(24) || tag(16)
// || body]: box places its Poly1305 tag ahead of the body, and there is no
// separately sealed symmetric key.
package cryptoutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/ioustamora/datamesh/internal/dmerrors"
)

const (
	keySize   = 32
	nonceSize = 24
)

// PublicKey and PrivateKey are fixed-size curve25519 points/scalars.
type PublicKey [keySize]byte
type PrivateKey [keySize]byte

// GenerateKeypair creates a fresh curve25519 keypair (§4.1
// generate_keypair).
func GenerateKeypair() (PrivateKey, PublicKey, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return PrivateKey{}, PublicKey{}, fmt.Errorf("generating keypair: %w", err)
	}
	return PrivateKey(*priv), PublicKey(*pub), nil
}

// Encrypt seals plaintext to pubkey using an ephemeral sender keypair,
// producing a self-contained ciphertext: [ephemeral_pub(32) || nonce(24) ||
// sealed_body]. (§4.1 encrypt).
func Encrypt(pubkey PublicKey, plaintext []byte) ([]byte, error) {
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, keySize+nonceSize+len(plaintext)+box.Overhead)
	out = append(out, ephPub[:]...)
	out = append(out, nonce[:]...)

	recipient := [keySize]byte(pubkey)
	sealed := box.Seal(nil, plaintext, &nonce, &recipient, ephPriv)
	out = append(out, sealed...)
	return out, nil
}

// Decrypt opens a ciphertext produced by Encrypt using the recipient's
// private key. Returns ErrAuthenticationFailed if the tag does not verify
// (§4.1 DecryptError::AuthenticationFailed).
func Decrypt(private PrivateKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < keySize+nonceSize {
		return nil, dmerrors.ErrMalformedKeyBytes
	}

	var ephPub [keySize]byte
	copy(ephPub[:], ciphertext[:keySize])
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[keySize:keySize+nonceSize])
	sealed := ciphertext[keySize+nonceSize:]

	priv := [keySize]byte(private)
	plaintext, ok := box.Open(nil, sealed, &nonce, &ephPub, &priv)
	if !ok {
		return nil, dmerrors.ErrAuthenticationFailed
	}
	return plaintext, nil
}

// Hash computes the 32-byte content digest used throughout the engine
// (content_key, plain_hash, shard_hash) — §4.1 hash().
func Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HashHex is Hash rendered as a 64-character lowercase hex string, the form
// stored in manifests and used as the "64-hex" identifier in §4.4/§6.
func HashHex(data []byte) string {
	sum := Hash(data)
	return hex.EncodeToString(sum[:])
}

// EncodeHex renders raw key bytes as lowercase hex for key files (§6).
func EncodeHex(b []byte) string { return hex.EncodeToString(b) }

// DecodePublicKeyHex parses a hex-encoded public key, failing with
// ErrMalformedKeyBytes (§4.1 KeyError::Malformed) if it is not exactly 32
// bytes.
func DecodePublicKeyHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != keySize {
		return PublicKey{}, dmerrors.ErrMalformedKeyBytes
	}
	var pk PublicKey
	copy(pk[:], b)
	return pk, nil
}

// DecodePrivateKeyHex parses a hex-encoded private key.
func DecodePrivateKeyHex(s string) (PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != keySize {
		return PrivateKey{}, dmerrors.ErrMalformedKeyBytes
	}
	var sk PrivateKey
	copy(sk[:], b)
	return sk, nil
}

// Now is a thin seam over time.Now so key-file creation timestamps can be
// stubbed in tests without reaching into the clock directly.
var Now = time.Now
