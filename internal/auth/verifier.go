package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	keyTTL   = time.Hour
	jwksPath = "/.well-known/jwks.json"
)

// Option configures a Verifier.
type Option func(*Verifier)

// WithHTTPClient replaces the client used for JWKS fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.httpc = c }
}

// WithIssuer overrides the derived issuer and JWKS location. Intended for
// tests that stand in for the user pool endpoint.
func WithIssuer(issuer string) Option {
	return func(v *Verifier) {
		v.issuer = issuer
		v.jwksURL = issuer + jwksPath
	}
}

// WithNow replaces the clock used for both claim validation and key cache
// aging.
func WithNow(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// Verifier validates Cognito ID tokens against a single user pool and app
// client. It is safe for concurrent use.
type Verifier struct {
	issuer   string
	jwksURL  string
	clientID string
	httpc    *http.Client
	now      func() time.Time

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewVerifier builds a Verifier for the given user pool. The issuer and JWKS
// location follow from the pool's region and ID.
func NewVerifier(region, userPoolID, clientID string, opts ...Option) *Verifier {
	issuer := fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", region, userPoolID)
	v := &Verifier{
		issuer:   issuer,
		jwksURL:  issuer + jwksPath,
		clientID: clientID,
		httpc:    &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Issuer returns the expected token issuer.
func (v *Verifier) Issuer() string { return v.issuer }

// Verify checks the raw token and returns the identity it carries. All
// failures map onto the package's sentinel errors so callers can pick a
// close reason without string matching.
func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrNoToken
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, v.keyFor(ctx),
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.clientID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return Identity{}, classify(err)
	}

	id := Identity{Claims: map[string]any(claims)}
	if sub, ok := claims["sub"].(string); ok {
		id.UserID = sub
	}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("%w: missing sub claim", ErrTokenInvalid)
	}
	id.Username = id.UserID
	if name, ok := claims["cognito:username"].(string); ok && name != "" {
		id.Username = name
	}
	return id, nil
}

// Prime fetches the signing keys when the cache is empty or stale.
// Readiness probes use it to confirm the issuer is reachable before the
// first connection needs a key.
func (v *Verifier) Prime(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.keys) > 0 && v.now().Sub(v.fetchedAt) < keyTTL {
		return nil
	}
	return v.refreshLocked(ctx)
}

// keyFor resolves the token's signing key from the cached JWKS document,
// refreshing it when stale or when an unknown key ID shows up (rotation).
func (v *Verifier) keyFor(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: token has no kid header", ErrKeyNotFound)
		}

		v.mu.Lock()
		defer v.mu.Unlock()
		if key, ok := v.keys[kid]; ok && v.now().Sub(v.fetchedAt) < keyTTL {
			return key, nil
		}
		if err := v.refreshLocked(ctx); err != nil {
			// A stale key beats no key while the endpoint is down.
			if key, ok := v.keys[kid]; ok {
				return key, nil
			}
			return nil, err
		}
		key, ok := v.keys[kid]
		if !ok {
			return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
		}
		return key, nil
	}
}

func (v *Verifier) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyFetch, err)
	}
	resp, err := v.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d from %s", ErrKeyFetch, resp.StatusCode, v.jwksURL)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyFetch, err)
	}
	keys, err := parseJWKS(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyFetch, err)
	}
	v.keys = keys
	v.fetchedAt = v.now()
	return nil
}

// classify folds jwt library errors into the package taxonomy, keeping the
// original error in the chain for logs.
func classify(err error) error {
	if errors.Is(err, ErrKeyNotFound) || errors.Is(err, ErrKeyFetch) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
}
