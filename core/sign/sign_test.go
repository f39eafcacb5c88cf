package sign

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
)

const testDigest = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func mustKeyPair(t *testing.T) KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return kp
}

func TestSignDigestHexRoundTrip(t *testing.T) {
	kp := mustKeyPair(t)
	sig, err := SignDigestHex(kp.Private, testDigest)
	if err != nil {
		t.Fatalf("sign digest: %v", err)
	}
	if sig.Method != schema.MethodEd25519 || sig.KeyID != KeyID(kp.Public) || sig.SignedDigest != testDigest {
		t.Fatalf("unexpected signature envelope %+v", sig)
	}
	ok, err := VerifyDigestHex(kp.Public, sig)
	if err != nil || !ok {
		t.Fatalf("expected signature to verify, ok=%v err=%v", ok, err)
	}
	if len(sig.KeyID) != 64 {
		t.Fatalf("expected 64 hex key id, got %d chars", len(sig.KeyID))
	}
}

func TestVerifyDigestHexRejects(t *testing.T) {
	kp := mustKeyPair(t)
	other := mustKeyPair(t)
	valid, err := SignDigestHex(kp.Private, testDigest)
	if err != nil {
		t.Fatalf("sign digest: %v", err)
	}
	flipped := strings.Repeat("b", 64)

	cases := []struct {
		name    string
		pub     []byte
		mutate  func(*schema.Signature)
		wantErr bool
	}{
		{name: "wrong_key", pub: other.Public, mutate: func(*schema.Signature) {}, wantErr: true},
		{name: "hmac_method", pub: kp.Public, mutate: func(s *schema.Signature) { s.Method = schema.MethodHMACSHA256 }, wantErr: true},
		{name: "key_id_mismatch", pub: kp.Public, mutate: func(s *schema.Signature) { s.KeyID = "deadbeef" }, wantErr: true},
		{name: "sig_not_base64", pub: kp.Public, mutate: func(s *schema.Signature) { s.Sig = "%%%notbase64" }, wantErr: true},
		{name: "sig_short", pub: kp.Public, mutate: func(s *schema.Signature) { s.Sig = base64.StdEncoding.EncodeToString([]byte("short")) }, wantErr: true},
		{name: "digest_missing", pub: kp.Public, mutate: func(s *schema.Signature) { s.SignedDigest = "" }, wantErr: true},
		{name: "digest_short", pub: kp.Public, mutate: func(s *schema.Signature) { s.SignedDigest = "aa" }, wantErr: true},
		{name: "digest_swapped", pub: kp.Public, mutate: func(s *schema.Signature) { s.SignedDigest = flipped }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig := valid
			tc.mutate(&sig)
			ok, err := VerifyDigestHex(tc.pub, sig)
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok {
				t.Fatalf("expected verification to fail")
			}
		})
	}
}

func TestSignDigestHexInvalid(t *testing.T) {
	kp := mustKeyPair(t)
	for _, digest := range []string{"not-hex", "aa", ""} {
		if _, err := SignDigestHex(kp.Private, digest); err == nil {
			t.Fatalf("expected error for digest %q", digest)
		}
	}
}

func TestParseKeyBase64(t *testing.T) {
	kp := mustKeyPair(t)
	priv, err := ParsePrivateKeyBase64(base64.StdEncoding.EncodeToString(kp.Private))
	if err != nil || !priv.Equal(kp.Private) {
		t.Fatalf("private key round trip failed: %v", err)
	}
	pub, err := ParsePublicKeyBase64(base64.StdEncoding.EncodeToString(kp.Public))
	if err != nil || !pub.Equal(kp.Public) {
		t.Fatalf("public key round trip failed: %v", err)
	}

	short := base64.StdEncoding.EncodeToString([]byte("short"))
	for _, encoded := range []string{"not-base64", short} {
		if _, err := ParsePrivateKeyBase64(encoded); err == nil {
			t.Fatalf("expected private key error for %q", encoded)
		}
		if _, err := ParsePublicKeyBase64(encoded); err == nil {
			t.Fatalf("expected public key error for %q", encoded)
		}
	}
}

func TestKeyFilesTolerateWhitespace(t *testing.T) {
	kp := mustKeyPair(t)
	dir := t.TempDir()
	privPath := filepath.Join(dir, "priv.key")
	pubPath := filepath.Join(dir, "pub.key")
	if err := os.WriteFile(privPath, []byte("  "+base64.StdEncoding.EncodeToString(kp.Private)+"\n"), 0o600); err != nil {
		t.Fatalf("write priv: %v", err)
	}
	if err := os.WriteFile(pubPath, []byte("\n"+base64.StdEncoding.EncodeToString(kp.Public)+"  "), 0o600); err != nil {
		t.Fatalf("write pub: %v", err)
	}
	loaded, _, err := LoadSigningKey(KeyConfig{Mode: ModeProd, PrivateKeyPath: privPath, PublicKeyPath: pubPath})
	if err != nil {
		t.Fatalf("load keypair: %v", err)
	}
	if !loaded.Private.Equal(kp.Private) || !loaded.Public.Equal(kp.Public) {
		t.Fatalf("loaded keys do not match original")
	}
}

func TestWriteKeyPairRefusesOverwrite(t *testing.T) {
	kp := mustKeyPair(t)
	dir := t.TempDir()
	privPath, pubPath, err := WriteKeyPair(dir, "ledger", kp)
	if err != nil {
		t.Fatalf("write keypair: %v", err)
	}
	if filepath.Base(privPath) != "ledger.key" || filepath.Base(pubPath) != "ledger.pub" {
		t.Fatalf("unexpected key paths %s %s", privPath, pubPath)
	}
	info, err := os.Stat(privPath)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected private key mode 0600, got %#o", info.Mode().Perm())
	}
	loaded, _, err := LoadSigningKey(KeyConfig{Mode: ModeProd, PrivateKeyPath: privPath, PublicKeyPath: pubPath})
	if err != nil {
		t.Fatalf("load keypair: %v", err)
	}
	if !loaded.Private.Equal(kp.Private) || !loaded.Public.Equal(kp.Public) {
		t.Fatalf("written keys do not match")
	}
	if _, _, err := WriteKeyPair(dir, "ledger", kp); err == nil {
		t.Fatalf("expected refusal to overwrite existing key")
	}
}
