package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the token algorithm.
type SigningMethod string

const (
	// MethodHS256 signs with a shared project secret (the hosted-auth default).
	MethodHS256 SigningMethod = "hs256"
	// MethodEd25519 signs with an Ed25519 key pair.
	MethodEd25519 SigningMethod = "ed25519"
)

// ErrSigningDisabled is returned by [Manager.Issue] when the manager only holds
// verification keys.
var ErrSigningDisabled = errors.New("token signing not configured")

// Config configures a [Manager].
type Config struct {
	SigningMethod SigningMethod
	// Secret is the HS256 shared secret.
	Secret []byte
	// PrivateKey and PublicKey are Ed25519 keys, raw or PEM encoded. A manager
	// without PrivateKey can verify but not issue.
	PrivateKey []byte
	PublicKey  []byte
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	Leeway     time.Duration
	KeyID      string
}

// Claims is the access-token payload.
type Claims struct {
	Email        string            `json:"email,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Role         string            `json:"role,omitempty"`
	UserMetadata map[string]string `json:"user_metadata,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and verifies access tokens. It is immutable and safe for concurrent
// use.
type Manager struct {
	config  Config
	signKey interface{}
	verify  interface{}
}

// NewManager validates cfg and parses its keys.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.AccessTTL < 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = time.Hour
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	m := &Manager{config: cfg}
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.Secret) == 0 {
			return nil, errors.New("hs256 requires secret")
		}
		m.signKey = cfg.Secret
		m.verify = cfg.Secret
	case MethodEd25519:
		if len(cfg.PrivateKey) > 0 {
			priv, err := parseEdPrivateKey(cfg.PrivateKey)
			if err != nil {
				return nil, err
			}
			m.signKey = priv
			m.verify = priv.Public()
		}
		if len(cfg.PublicKey) > 0 {
			pub, err := parseEdPublicKey(cfg.PublicKey)
			if err != nil {
				return nil, err
			}
			m.verify = pub
		}
		if m.verify == nil {
			return nil, errors.New("ed25519 requires public or private key")
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	return m, nil
}

// CanIssue reports whether the manager holds a signing key.
func (m *Manager) CanIssue() bool {
	return m != nil && m.signKey != nil
}

// Issue signs an access token for subject and returns it with its expiry.
func (m *Manager) Issue(subject, email, sessionID string, metadata map[string]string) (string, time.Time, error) {
	if !m.CanIssue() {
		return "", time.Time{}, ErrSigningDisabled
	}
	if subject == "" {
		return "", time.Time{}, errors.New("token subject cannot be empty")
	}

	now := time.Now()
	expiresAt := now.Add(m.config.AccessTTL)
	claims := Claims{
		Email:        email,
		SessionID:    sessionID,
		Role:         "authenticated",
		UserMetadata: metadata,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}

	token := jwt.NewWithClaims(m.method(), claims)
	if m.config.KeyID != "" {
		token.Header["kid"] = m.config.KeyID
	}

	signed, err := token.SignedString(m.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, time.Unix(expiresAt.Unix(), 0), nil
}

// Parse verifies token and returns its claims.
func (m *Manager) Parse(token string) (*Claims, error) {
	return m.parse(token, true)
}

// ParseAllowExpired verifies token like [Manager.Parse] but accepts an expired token.
func (m *Manager) ParseAllowExpired(token string) (*Claims, error) {
	return m.parse(token, false)
}

func (m *Manager) parse(tokenStr string, checkExpiry bool) (*Claims, error) {
	if m == nil {
		return nil, errors.New("nil token manager")
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method().Alg()}),
	}
	if checkExpiry {
		options = append(options, jwt.WithExpirationRequired())
		if m.config.Leeway > 0 {
			options = append(options, jwt.WithLeeway(m.config.Leeway))
		}
		if m.config.Issuer != "" {
			options = append(options, jwt.WithIssuer(m.config.Issuer))
		}
		if m.config.Audience != "" {
			options = append(options, jwt.WithAudience(m.config.Audience))
		}
	} else {
		options = append(options, jwt.WithoutClaimsValidation())
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != m.method().Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		if m.config.KeyID != "" {
			kid, _ := t.Header["kid"].(string)
			if kid != m.config.KeyID {
				return nil, errors.New("unknown kid")
			}
		}
		return m.verify, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", jwt.ErrTokenInvalidClaims)
	}
	if !checkExpiry {
		if m.config.Issuer != "" && claims.Issuer != m.config.Issuer {
			return nil, jwt.ErrTokenInvalidIssuer
		}
	}

	return claims, nil
}

// ExpiresAtTime returns the expiry of c, or the zero time.
func (c *Claims) ExpiresAtTime() time.Time {
	if c == nil || c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

func (m *Manager) method() jwt.SigningMethod {
	switch m.config.SigningMethod {
	case MethodHS256:
		return jwt.SigningMethodHS256
	default:
		return jwt.SigningMethodEdDSA
	}
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
