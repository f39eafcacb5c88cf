package sign

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	coreerrors "github.com/davidahmann/attend/core/errors"
	schema "github.com/davidahmann/attend/core/schema/v1/attendance"
	"github.com/davidahmann/attend/internal/log"
	"github.com/davidahmann/attend/internal/metrics"
)

const DefaultProviderTimeout = 2 * time.Second

var ErrSigningUnavailable = errors.New("signing key unavailable")

// KeyProvider hands out the asymmetric signing key. Implementations may call
// out of process; they are always invoked with a deadline.
type KeyProvider interface {
	SigningKey(ctx context.Context) (ed25519.PrivateKey, error)
}

type KeyProviderFunc func(ctx context.Context) (ed25519.PrivateKey, error)

func (f KeyProviderFunc) SigningKey(ctx context.Context) (ed25519.PrivateKey, error) {
	return f(ctx)
}

// StaticKey is a KeyProvider over an in-memory key.
type StaticKey ed25519.PrivateKey

func (k StaticKey) SigningKey(context.Context) (ed25519.PrivateKey, error) {
	if len(k) != ed25519.PrivateKeySize {
		return nil, ErrSigningUnavailable
	}
	return ed25519.PrivateKey(k), nil
}

type SignerOptions struct {
	Provider KeyProvider
	// Secret enables HMAC-SHA256. It is the primary method when Provider is
	// nil and the degraded fallback otherwise.
	Secret  []byte
	Timeout time.Duration
	Logger  *zerolog.Logger
}

type Signer struct {
	provider KeyProvider
	secret   []byte
	timeout  time.Duration
	logger   zerolog.Logger
	verifier *Verifier
}

func NewSigner(opts SignerOptions) (*Signer, error) {
	if opts.Provider == nil && len(opts.Secret) == 0 {
		return nil, fmt.Errorf("signer requires a key provider or a shared secret")
	}
	if len(opts.Secret) > 0 && len(opts.Secret) < MinSecretBytes {
		return nil, fmt.Errorf("shared secret must be at least %d bytes", MinSecretBytes)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultProviderTimeout
	}
	logger := log.WithComponent("sign")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Signer{
		provider: opts.Provider,
		secret:   opts.Secret,
		timeout:  opts.Timeout,
		logger:   logger,
		verifier: NewVerifier(opts.Secret),
	}, nil
}

// Verifier returns a verifier that knows every public key this signer has
// used plus the shared secret.
func (s *Signer) Verifier() *Verifier {
	return s.verifier
}

// SignDigest signs a sha256 hex digest. When the asymmetric key cannot be
// obtained it falls back to HMAC and marks the signature degraded.
func (s *Signer) SignDigest(ctx context.Context, digestHex string) (schema.Signature, error) {
	if s.provider == nil {
		return SignDigestHMAC(s.secret, digestHex)
	}
	priv, err := s.fetchKey(ctx)
	if err == nil {
		s.verifier.AddPublicKey(priv.Public().(ed25519.PublicKey))
		return SignDigestHex(priv, digestHex)
	}
	if len(s.secret) == 0 {
		return schema.Signature{}, coreerrors.Wrap(
			fmt.Errorf("%w: %v", ErrSigningUnavailable, err),
			coreerrors.CategoryDependencyMissing,
			coreerrors.CodeSigningUnavailable,
			"configure a shared secret to allow symmetric fallback",
			true,
		)
	}
	sig, hmacErr := SignDigestHMAC(s.secret, digestHex)
	if hmacErr != nil {
		return schema.Signature{}, hmacErr
	}
	sig.Degraded = true
	metrics.RecordSigningFallback()
	s.logger.Warn().Err(err).Str(log.FieldSigMethod, string(sig.Method)).Msg("signing key unavailable; used symmetric fallback")
	return sig, nil
}

func (s *Signer) fetchKey(ctx context.Context) (ed25519.PrivateKey, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type fetched struct {
		key ed25519.PrivateKey
		err error
	}
	done := make(chan fetched, 1)
	go func() {
		key, err := s.provider.SigningKey(ctx)
		done <- fetched{key: key, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		if len(out.key) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("invalid private key length: %d", len(out.key))
		}
		return out.key, nil
	}
}

// Verifier checks signatures by their recorded method.
type Verifier struct {
	mu      sync.RWMutex
	publics map[string]ed25519.PublicKey
	secret  []byte
}

func NewVerifier(secret []byte, publics ...ed25519.PublicKey) *Verifier {
	verifier := &Verifier{publics: map[string]ed25519.PublicKey{}, secret: secret}
	for _, pub := range publics {
		verifier.AddPublicKey(pub)
	}
	return verifier
}

func (v *Verifier) AddPublicKey(pub ed25519.PublicKey) {
	if len(pub) != ed25519.PublicKeySize {
		return
	}
	id := KeyID(pub)
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.publics[id]; !ok {
		v.publics[id] = append(ed25519.PublicKey(nil), pub...)
	}
}

// VerifyDigest reports nil when sig is a valid signature over digestHex.
func (v *Verifier) VerifyDigest(sig schema.Signature, digestHex string) error {
	if sig.SignedDigest != digestHex {
		return fmt.Errorf("%w: signed digest does not match record hash", ErrSignatureInvalid)
	}
	var ok bool
	var err error
	switch sig.Method {
	case schema.MethodEd25519:
		v.mu.RLock()
		pub, found := v.publics[sig.KeyID]
		v.mu.RUnlock()
		if !found {
			return fmt.Errorf("%w: %s", ErrUnknownKey, sig.KeyID)
		}
		ok, err = VerifyDigestHex(pub, sig)
	case schema.MethodHMACSHA256:
		if len(v.secret) == 0 {
			return fmt.Errorf("%w: no shared secret configured", ErrUnknownKey)
		}
		ok, err = VerifyDigestHMAC(v.secret, sig)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedMethod, sig.Method)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !ok {
		return ErrSignatureInvalid
	}
	return nil
}
