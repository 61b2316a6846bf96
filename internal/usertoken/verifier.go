package usertoken

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	defaultIssuer          = "mamahealth-identity"
	defaultAudience        = "mamahealth-chat"
	defaultLeeway          = 30 * time.Second
	defaultKeySetTTL       = 5 * time.Minute
	defaultMissRefreshWait = 10 * time.Second
)

var (
	// ErrInvalidToken wraps every rejection of a bearer token.
	ErrInvalidToken = errors.New("invalid access token")
	errUnknownKey   = errors.New("unknown token key")
)

// Config configures access-token verification against the identity
// provider's JWKS endpoint.
type Config struct {
	JWKSURL  string
	Issuer   string
	Audience string
	Leeway   time.Duration

	// MissRefreshWait is the minimum gap between key refreshes triggered
	// by tokens that name an unknown kid.
	MissRefreshWait time.Duration
	HTTPClient      *http.Client
}

// keySet is an immutable snapshot of the provider's RSA keys.
type keySet struct {
	keys    map[string]*rsa.PublicKey
	expires time.Time
}

func (ks *keySet) lookup(kid string) (*rsa.PublicKey, bool) {
	if ks == nil {
		return nil, false
	}
	key, ok := ks.keys[kid]
	return key, ok
}

// Verifier checks RS256 access tokens and returns the user id in their
// subject. Concurrent refreshes share one JWKS fetch, and refreshes caused
// by unknown kids are throttled.
type Verifier struct {
	issuer          string
	audience        string
	leeway          time.Duration
	jwksURL         string
	missRefreshWait time.Duration
	httpClient      *http.Client

	current   atomic.Pointer[keySet]
	refreshes singleflight.Group

	missMu     sync.Mutex
	lastMissAt time.Time
}

// NewVerifier loads the key set once and returns a ready verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	v := &Verifier{
		issuer:          firstNonEmpty(cfg.Issuer, defaultIssuer),
		audience:        firstNonEmpty(cfg.Audience, defaultAudience),
		leeway:          cfg.Leeway,
		jwksURL:         jwksURL,
		missRefreshWait: cfg.MissRefreshWait,
		httpClient:      cfg.HTTPClient,
	}
	if v.leeway <= 0 {
		v.leeway = defaultLeeway
	}
	if v.missRefreshWait <= 0 {
		v.missRefreshWait = defaultMissRefreshWait
	}
	if v.httpClient == nil {
		v.httpClient = &http.Client{Timeout: 5 * time.Second}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ks, err := v.fetchKeySet(ctx)
	if err != nil {
		return nil, err
	}
	v.current.Store(ks)
	return v, nil
}

// VerifySubject validates the token and returns its subject.
func (v *Verifier) VerifySubject(ctx context.Context, token string) (string, error) {
	claims, err := v.verify(ctx, token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	return subject, nil
}

func (v *Verifier) verify(ctx context.Context, token string) (jwt.RegisteredClaims, error) {
	ks := v.current.Load()
	claims, err := v.parse(token, ks)
	if err == nil {
		return claims, nil
	}
	unknownKey := errors.Is(err, errUnknownKey)
	if !unknownKey && time.Now().Before(ks.expires) {
		return claims, err
	}
	if refreshErr := v.refresh(ctx, unknownKey); refreshErr != nil {
		return claims, fmt.Errorf("refresh jwks: %w", refreshErr)
	}
	return v.parse(token, v.current.Load())
}

// refresh reloads the key set. Callers racing on the same refresh share
// its result.
func (v *Verifier) refresh(ctx context.Context, causedByMiss bool) error {
	_, err, _ := v.refreshes.Do("jwks", func() (any, error) {
		if causedByMiss && !v.takeMissSlot() {
			return nil, nil
		}
		ks, err := v.fetchKeySet(ctx)
		if err != nil {
			return nil, err
		}
		v.current.Store(ks)
		return nil, nil
	})
	return err
}

func (v *Verifier) takeMissSlot() bool {
	v.missMu.Lock()
	defer v.missMu.Unlock()
	now := time.Now()
	if !v.lastMissAt.IsZero() && now.Sub(v.lastMissAt) < v.missRefreshWait {
		return false
	}
	v.lastMissAt = now
	return true
}

func (v *Verifier) parse(token string, ks *keySet) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := ks.lookup(strings.TrimSpace(kid))
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return claims, err
	}
	if !parsed.Valid {
		return claims, errors.New("token not valid")
	}
	return claims, nil
}

func (v *Verifier) fetchKeySet(ctx context.Context) (*keySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	keys, err := decodeRSAKeys(resp.Body)
	if err != nil {
		return nil, err
	}
	ttl := cacheMaxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultKeySetTTL
	}
	return &keySet{keys: keys, expires: time.Now().Add(ttl)}, nil
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// decodeRSAKeys keeps the RSA signing keys of a JWKS document. Malformed
// entries are skipped; a document with no usable key is an error.
func decodeRSAKeys(r io.Reader) (map[string]*rsa.PublicKey, error) {
	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 1<<20)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		kid := strings.TrimSpace(k.Kid)
		if kid == "" || !strings.EqualFold(strings.TrimSpace(k.Kty), "RSA") {
			continue
		}
		if use := strings.TrimSpace(k.Use); use != "" && use != "sig" {
			continue
		}
		pub, err := rsaPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[kid] = pub
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks contains no usable rsa keys")
	}
	return keys, nil
}

func rsaPublicKey(nRaw, eRaw string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(nRaw))
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(eRaw))
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || !e.IsInt64() || e.Int64() <= 1 || e.Int64() > 1<<31-1 {
		return nil, errors.New("invalid rsa key")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func cacheMaxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := strconv.Atoi(strings.Trim(value, `" `))
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}

func firstNonEmpty(value, fallback string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return fallback
}
