package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
)

// MinSecretBytes is the shortest shared secret accepted for HMAC signing.
const MinSecretBytes = 32

// SecretKeyID identifies a shared secret without revealing it.
func SecretKeyID(secret []byte) string {
	sum := sha256.Sum256(append([]byte("attend-hmac:"), secret...))
	return "hmac:" + hex.EncodeToString(sum[:8])
}

func SignDigestHMAC(secret []byte, digestHex string) (schema.Signature, error) {
	if len(secret) < MinSecretBytes {
		return schema.Signature{}, fmt.Errorf("shared secret must be at least %d bytes", MinSecretBytes)
	}
	digest, err := decodeDigest(digestHex)
	if err != nil {
		return schema.Signature{}, err
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(digest)
	return schema.Signature{
		Method:       schema.MethodHMACSHA256,
		KeyID:        SecretKeyID(secret),
		Sig:          base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		SignedDigest: digestHex,
	}, nil
}

func VerifyDigestHMAC(secret []byte, sig schema.Signature) (bool, error) {
	if sig.Method != schema.MethodHMACSHA256 {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedMethod, sig.Method)
	}
	if sig.KeyID != "" && sig.KeyID != SecretKeyID(secret) {
		return false, fmt.Errorf("key id mismatch")
	}
	digest, err := decodeDigest(sig.SignedDigest)
	if err != nil {
		return false, err
	}
	rawSig, err := base64.StdEncoding.DecodeString(sig.Sig)
	if err != nil {
		return false, fmt.Errorf("decode sig: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(digest)
	return hmac.Equal(rawSig, mac.Sum(nil)), nil
}

func ParseSecretBase64(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode shared secret: %w", err)
	}
	if len(raw) < MinSecretBytes {
		return nil, fmt.Errorf("shared secret must be at least %d bytes, got %d", MinSecretBytes, len(raw))
	}
	return raw, nil
}
