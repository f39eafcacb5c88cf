package sign

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"strings"
)

type KeyMode string

const (
	ModeDev  KeyMode = "dev"
	ModeProd KeyMode = "prod"
)

const DevKeyWarning = "dev mode: ephemeral keypair generated; records signed in this process will not verify in another"

// KeyConfig names where key material comes from. Each kind of material may
// come from a file or an environment variable holding base64, never both.
type KeyConfig struct {
	Mode           KeyMode
	PrivateKeyPath string
	PublicKeyPath  string
	PrivateKeyEnv  string
	PublicKeyEnv   string
	SecretPath     string
	SecretEnv      string
}

// source is one configured origin of base64 key material.
type source struct {
	kind string
	path string
	env  string
}

func (s source) configured() bool {
	return s.path != "" || s.env != ""
}

// read returns the base64 text from the file or env var. ok is false when the
// source is not configured.
func (s source) read() (encoded string, ok bool, err error) {
	switch {
	case s.path != "" && s.env != "":
		return "", false, fmt.Errorf("%s source: set either path or env", s.kind)
	case s.path != "":
		// #nosec G304 -- key path comes from operator configuration.
		raw, err := os.ReadFile(s.path)
		if err != nil {
			return "", false, fmt.Errorf("read %s: %w", s.kind, err)
		}
		return strings.TrimSpace(string(raw)), true, nil
	case s.env != "":
		value := strings.TrimSpace(os.Getenv(s.env))
		if value == "" {
			return "", false, fmt.Errorf("%s env not set: %s", s.kind, s.env)
		}
		return value, true, nil
	}
	return "", false, nil
}

func (cfg KeyConfig) private() source {
	return source{kind: "private key", path: cfg.PrivateKeyPath, env: cfg.PrivateKeyEnv}
}

func (cfg KeyConfig) public() source {
	return source{kind: "public key", path: cfg.PublicKeyPath, env: cfg.PublicKeyEnv}
}

func (cfg KeyConfig) secret() source {
	return source{kind: "shared secret", path: cfg.SecretPath, env: cfg.SecretEnv}
}

// LoadSigningKey resolves the ed25519 key pair for the configured mode. Dev
// mode generates an ephemeral pair and reports DevKeyWarning; prod mode
// requires a private key and checks it against the public key when both are
// set.
func LoadSigningKey(cfg KeyConfig) (KeyPair, []string, error) {
	switch cfg.Mode {
	case ModeDev:
		if cfg.private().configured() || cfg.public().configured() {
			return KeyPair{}, nil, fmt.Errorf("dev mode does not accept explicit key sources")
		}
		kp, err := GenerateKeyPair()
		if err != nil {
			return KeyPair{}, nil, err
		}
		return kp, []string{DevKeyWarning}, nil
	case ModeProd, "":
		priv, err := readPrivate(cfg.private())
		if err != nil {
			return KeyPair{}, nil, err
		}
		if priv == nil {
			return KeyPair{}, nil, fmt.Errorf("prod mode requires a private key source")
		}
		derived := priv.Public().(ed25519.PublicKey)
		pub, err := readPublic(cfg.public())
		if err != nil {
			return KeyPair{}, nil, err
		}
		if pub != nil && !pub.Equal(derived) {
			return KeyPair{}, nil, fmt.Errorf("public key does not match private key")
		}
		return KeyPair{Public: derived, Private: priv}, nil, nil
	default:
		return KeyPair{}, nil, fmt.Errorf("unsupported key mode: %q", cfg.Mode)
	}
}

// LoadVerifyKey returns the configured public key, deriving it from the
// private key when only that is set.
func LoadVerifyKey(cfg KeyConfig) (ed25519.PublicKey, error) {
	pub, err := readPublic(cfg.public())
	if err != nil || pub != nil {
		return pub, err
	}
	priv, err := readPrivate(cfg.private())
	if err != nil {
		return nil, err
	}
	if priv == nil {
		return nil, fmt.Errorf("public key not configured")
	}
	return priv.Public().(ed25519.PublicKey), nil
}

// LoadSharedSecret returns the HMAC secret, or nil when none is configured.
func LoadSharedSecret(cfg KeyConfig) ([]byte, error) {
	encoded, ok, err := cfg.secret().read()
	if err != nil || !ok {
		return nil, err
	}
	return ParseSecretBase64(encoded)
}

func readPrivate(s source) (ed25519.PrivateKey, error) {
	encoded, ok, err := s.read()
	if err != nil || !ok {
		return nil, err
	}
	return ParsePrivateKeyBase64(encoded)
}

func readPublic(s source) (ed25519.PublicKey, error) {
	encoded, ok, err := s.read()
	if err != nil || !ok {
		return nil, err
	}
	return ParsePublicKeyBase64(encoded)
}
