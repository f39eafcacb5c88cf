// Package sign signs and verifies certification digests with ed25519, or with
// HMAC-SHA256 when no asymmetric key is available.
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/davidahmann/attend/core/fsx"
	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
)

var (
	ErrSignatureInvalid  = errors.New("signature invalid")
	ErrUnsupportedMethod = errors.New("unsupported signature method")
	ErrUnknownKey        = errors.New("unknown signing key")
)

type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

func SignBytes(priv ed25519.PrivateKey, data []byte) schema.Signature {
	sig := ed25519.Sign(priv, data)
	return schema.Signature{
		Method: schema.MethodEd25519,
		KeyID:  KeyID(priv.Public().(ed25519.PublicKey)),
		Sig:    base64.StdEncoding.EncodeToString(sig),
	}
}

func VerifyBytes(pub ed25519.PublicKey, sig schema.Signature, data []byte) (bool, error) {
	if sig.Method != schema.MethodEd25519 {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedMethod, sig.Method)
	}
	if sig.KeyID != "" && sig.KeyID != KeyID(pub) {
		return false, fmt.Errorf("key id mismatch")
	}
	rawSig, err := base64.StdEncoding.DecodeString(sig.Sig)
	if err != nil {
		return false, fmt.Errorf("decode sig: %w", err)
	}
	if len(rawSig) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature length: %d", len(rawSig))
	}
	return ed25519.Verify(pub, data, rawSig), nil
}

func decodeDigest(digestHex string) ([]byte, error) {
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return nil, fmt.Errorf("decode digest: %w", err)
	}
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("invalid digest length: %d", len(digest))
	}
	return digest, nil
}

func SignDigestHex(priv ed25519.PrivateKey, digestHex string) (schema.Signature, error) {
	digest, err := decodeDigest(digestHex)
	if err != nil {
		return schema.Signature{}, err
	}
	sig := SignBytes(priv, digest)
	sig.SignedDigest = digestHex
	return sig, nil
}

func VerifyDigestHex(pub ed25519.PublicKey, sig schema.Signature) (bool, error) {
	if sig.SignedDigest == "" {
		return false, fmt.Errorf("missing signed_digest")
	}
	digest, err := decodeDigest(sig.SignedDigest)
	if err != nil {
		return false, err
	}
	return VerifyBytes(pub, sig, digest)
}

func ParsePrivateKeyBase64(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if l := len(raw); l != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length: %d", l)
	}
	return ed25519.PrivateKey(raw), nil
}

func ParsePublicKeyBase64(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if l := len(raw); l != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length: %d", l)
	}
	return ed25519.PublicKey(raw), nil
}

// WriteKeyPair stores base64 encoded keys as <prefix>.key and <prefix>.pub in
// dir and returns both paths.
func WriteKeyPair(dir, prefix string, kp KeyPair) (string, string, error) {
	if prefix == "" {
		prefix = "attend"
	}
	privPath := filepath.Join(dir, prefix+".key")
	pubPath := filepath.Join(dir, prefix+".pub")
	if _, err := os.Stat(privPath); err == nil {
		return "", "", fmt.Errorf("refusing to overwrite existing key %s", privPath)
	}
	if err := fsx.WriteFileAtomic(privPath, []byte(base64.StdEncoding.EncodeToString(kp.Private)+"\n"), 0o600); err != nil {
		return "", "", fmt.Errorf("write private key: %w", err)
	}
	if err := fsx.WriteFileAtomic(pubPath, []byte(base64.StdEncoding.EncodeToString(kp.Public)+"\n"), 0o644); err != nil {
		return "", "", fmt.Errorf("write public key: %w", err)
	}
	return privPath, pubPath, nil
}
