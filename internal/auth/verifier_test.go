package auth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/voicelayer/sonicgate/internal/auth"
)

const clientID = "3k9client0example"

var testClock = time.Unix(1_700_000_000, 0)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

// jwksDoc renders the public halves of the given keys as a JWKS document.
func jwksDoc(t *testing.T, keys map[string]*rsa.PrivateKey) []byte {
	t.Helper()
	type jwk struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		Alg string `json:"alg"`
		Use string `json:"use"`
		N   string `json:"n"`
		E   string `json:"e"`
	}
	doc := struct {
		Keys []jwk `json:"keys"`
	}{}
	for kid, key := range keys {
		pub := key.Public().(*rsa.PublicKey)
		doc.Keys = append(doc.Keys, jwk{
			Kid: kid,
			Kty: "RSA",
			Alg: "RS256",
			Use: "sig",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return data
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func baseClaims(issuer string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":              issuer,
		"aud":              clientID,
		"sub":              "user-1",
		"cognito:username": "ada",
		"iat":              testClock.Unix(),
		"exp":              testClock.Add(time.Hour).Unix(),
	}
}

// newVerifier stands up a JWKS endpoint for the given keys and returns a
// verifier pointed at it plus a counter of fetches made.
func newVerifier(t *testing.T, keys map[string]*rsa.PrivateKey) (*auth.Verifier, *atomic.Int64, *httptest.Server) {
	t.Helper()
	var fetches atomic.Int64
	doc := jwksDoc(t, keys)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	}))
	t.Cleanup(srv.Close)
	v := auth.NewVerifier("eu-central-1", "eu-central-1_TESTPOOL", clientID,
		auth.WithIssuer(srv.URL),
		auth.WithNow(func() time.Time { return testClock }),
	)
	return v, &fetches, srv
}

func TestVerify_ValidToken(t *testing.T) {
	t.Parallel()
	key := newKey(t)
	v, _, srv := newVerifier(t, map[string]*rsa.PrivateKey{"kid-1": key})

	token := signToken(t, key, "kid-1", baseClaims(srv.URL))
	id, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.UserID != "user-1" {
		t.Errorf("UserID = %q, want %q", id.UserID, "user-1")
	}
	if id.Username != "ada" {
		t.Errorf("Username = %q, want %q", id.Username, "ada")
	}
	if id.Claims["aud"] != clientID {
		t.Errorf("Claims[aud] = %v, want %q", id.Claims["aud"], clientID)
	}
}

func TestVerify_UsernameFallsBackToSubject(t *testing.T) {
	t.Parallel()
	key := newKey(t)
	v, _, srv := newVerifier(t, map[string]*rsa.PrivateKey{"kid-1": key})

	claims := baseClaims(srv.URL)
	delete(claims, "cognito:username")
	id, err := v.Verify(context.Background(), signToken(t, key, "kid-1", claims))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.Username != "user-1" {
		t.Errorf("Username = %q, want subject fallback %q", id.Username, "user-1")
	}
}

func TestVerify_MissingToken(t *testing.T) {
	t.Parallel()
	key := newKey(t)
	v, _, _ := newVerifier(t, map[string]*rsa.PrivateKey{"kid-1": key})

	if _, err := v.Verify(context.Background(), ""); !errors.Is(err, auth.ErrNoToken) {
		t.Fatalf("Verify() error = %v, want ErrNoToken", err)
	}
}

func TestVerify_RejectsBadClaims(t *testing.T) {
	t.Parallel()
	key := newKey(t)
	v, _, srv := newVerifier(t, map[string]*rsa.PrivateKey{"kid-1": key})

	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
	}{
		{"expired", func(c jwt.MapClaims) { c["exp"] = testClock.Add(-time.Minute).Unix() }},
		{"no expiry", func(c jwt.MapClaims) { delete(c, "exp") }},
		{"wrong audience", func(c jwt.MapClaims) { c["aud"] = "someone-else" }},
		{"wrong issuer", func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }},
		{"missing subject", func(c jwt.MapClaims) { delete(c, "sub") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			claims := baseClaims(srv.URL)
			tt.mutate(claims)
			_, err := v.Verify(context.Background(), signToken(t, key, "kid-1", claims))
			if !errors.Is(err, auth.ErrTokenInvalid) {
				t.Fatalf("Verify() error = %v, want ErrTokenInvalid", err)
			}
		})
	}
}

func TestVerify_RejectsForeignSignature(t *testing.T) {
	t.Parallel()
	served := newKey(t)
	foreign := newKey(t)
	v, _, srv := newVerifier(t, map[string]*rsa.PrivateKey{"kid-1": served})

	// Signed by a key the pool never published, but claiming its kid.
	token := signToken(t, foreign, "kid-1", baseClaims(srv.URL))
	if _, err := v.Verify(context.Background(), token); !errors.Is(err, auth.ErrTokenInvalid) {
		t.Fatalf("Verify() error = %v, want ErrTokenInvalid", err)
	}
}

func TestVerify_UnknownKeyID(t *testing.T) {
	t.Parallel()
	key := newKey(t)
	v, _, srv := newVerifier(t, map[string]*rsa.PrivateKey{"kid-1": key})

	token := signToken(t, key, "kid-rotated-away", baseClaims(srv.URL))
	_, err := v.Verify(context.Background(), token)
	if !errors.Is(err, auth.ErrKeyNotFound) {
		t.Fatalf("Verify() error = %v, want ErrKeyNotFound", err)
	}
}

func TestVerify_CachesKeysAcrossCalls(t *testing.T) {
	t.Parallel()
	key := newKey(t)
	v, fetches, srv := newVerifier(t, map[string]*rsa.PrivateKey{"kid-1": key})

	token := signToken(t, key, "kid-1", baseClaims(srv.URL))
	for i := 0; i < 3; i++ {
		if _, err := v.Verify(context.Background(), token); err != nil {
			t.Fatalf("Verify() #%d error = %v", i, err)
		}
	}
	if got := fetches.Load(); got != 1 {
		t.Errorf("jwks fetches = %d, want 1", got)
	}
}

func TestVerify_ColdFetchFailure(t *testing.T) {
	t.Parallel()
	key := newKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	v := auth.NewVerifier("eu-central-1", "eu-central-1_TESTPOOL", clientID,
		auth.WithIssuer(srv.URL),
		auth.WithNow(func() time.Time { return testClock }),
	)

	token := signToken(t, key, "kid-1", baseClaims(srv.URL))
	if _, err := v.Verify(context.Background(), token); !errors.Is(err, auth.ErrKeyFetch) {
		t.Fatalf("Verify() error = %v, want ErrKeyFetch", err)
	}
}

func TestPrime_WarmsKeyCache(t *testing.T) {
	t.Parallel()
	key := newKey(t)
	v, fetches, srv := newVerifier(t, map[string]*rsa.PrivateKey{"kid-1": key})

	if err := v.Prime(context.Background()); err != nil {
		t.Fatalf("Prime() error = %v", err)
	}
	if err := v.Prime(context.Background()); err != nil {
		t.Fatalf("second Prime() error = %v", err)
	}

	// Verification runs off the primed cache without another fetch.
	token := signToken(t, key, "kid-1", baseClaims(srv.URL))
	if _, err := v.Verify(context.Background(), token); err != nil {
		t.Fatalf("Verify() after Prime error = %v", err)
	}
	if got := fetches.Load(); got != 1 {
		t.Errorf("jwks fetches = %d, want 1", got)
	}
}

func TestPrime_ReportsFetchFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	v := auth.NewVerifier("eu-central-1", "eu-central-1_TESTPOOL", clientID,
		auth.WithIssuer(srv.URL),
		auth.WithNow(func() time.Time { return testClock }),
	)

	if err := v.Prime(context.Background()); !errors.Is(err, auth.ErrKeyFetch) {
		t.Fatalf("Prime() error = %v, want ErrKeyFetch", err)
	}
}

func TestNewVerifier_DerivesCognitoIssuer(t *testing.T) {
	t.Parallel()
	v := auth.NewVerifier("us-east-1", "us-east-1_AbC123", clientID)
	want := "https://cognito-idp.us-east-1.amazonaws.com/us-east-1_AbC123"
	if v.Issuer() != want {
		t.Errorf("Issuer() = %q, want %q", v.Issuer(), want)
	}
}
