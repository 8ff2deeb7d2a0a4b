package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

const secret = "test-secret"

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestAppIDIsVersionSensitive(t *testing.T) {
	assert.Equal(t, "X", AppID(jwt.MapClaims{"ver": "2.0", "azp": "X", "appid": "Y"}))
	assert.Equal(t, "Y", AppID(jwt.MapClaims{"ver": "1.0", "azp": "X", "appid": "Y"}))
	assert.Equal(t, "Y", AppID(jwt.MapClaims{"azp": "X", "appid": "Y"}))
	assert.Equal(t, "", AppID(jwt.MapClaims{"ver": "2.0", "appid": "Y"}))
}

func TestGateStages(t *testing.T) {
	gate := NewGate(NewStaticVerifier(secret, "", ""), NewWhitelist("parent-app"), zap.NewNop(), nil)
	ctx := context.Background()

	_, err := gate.Check(ctx, "")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = gate.Check(ctx, "Basic abc")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = gate.Check(ctx, "Bearer not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	id, err := gate.Check(ctx, "Bearer "+sign(t, jwt.MapClaims{"appid": "parent-app"}))
	require.NoError(t, err)
	assert.Equal(t, "parent-app", id.AppID)

	id, err = gate.Check(ctx, "Bearer "+sign(t, jwt.MapClaims{"ver": "2.0", "azp": "parent-app"}))
	require.NoError(t, err)
	assert.Equal(t, "parent-app", id.AppID)

	_, err = gate.Check(ctx, "Bearer "+sign(t, jwt.MapClaims{"appid": "someone-else"}))
	assert.ErrorIs(t, err, ErrNotWhitelisted)
}

func TestGateBearerSchemeIgnoresCase(t *testing.T) {
	gate := NewGate(NewStaticVerifier(secret, "", ""), NewWhitelist("parent-app"), zap.NewNop(), nil)
	tok := sign(t, jwt.MapClaims{"appid": "parent-app"})
	for _, scheme := range []string{"Bearer", "bearer", "BEARER"} {
		id, err := gate.Check(context.Background(), scheme+" "+tok)
		require.NoError(t, err, scheme)
		assert.Equal(t, "parent-app", id.AppID)
	}
	_, err := gate.Check(context.Background(), "Bearer   ")
	assert.ErrorIs(t, err, ErrMissingToken)
}

type emptyVerifier struct{}

func (emptyVerifier) Verify(context.Context, string) (*Identity, error) { return nil, nil }

func TestGateRejectsMissingIdentity(t *testing.T) {
	gate := NewGate(emptyVerifier{}, NewWhitelist(), zap.NewNop(), nil)
	_, err := gate.Check(context.Background(), "Bearer anything")
	assert.ErrorIs(t, err, ErrInvalidToken)

	req := httptest.NewRequest(http.MethodPost, "/activities/1", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	_, ok := gate.Authenticate(rec, req)
	assert.False(t, ok)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEmptyWhitelistAllowsAnyVerifiedCaller(t *testing.T) {
	gate := NewGate(NewStaticVerifier(secret, "", ""), NewWhitelist(), zap.NewNop(), nil)
	_, err := gate.Check(context.Background(), "Bearer "+sign(t, jwt.MapClaims{"appid": "anyone"}))
	assert.NoError(t, err)

	_, err = gate.Check(context.Background(), "Bearer "+sign(t, jwt.MapClaims{"appid": "anyone", "exp": time.Now().Add(-time.Minute).Unix()}))
	assert.ErrorIs(t, err, ErrInvalidToken, "an empty whitelist does not skip verification")
}

func TestAuthenticateWritesDenial(t *testing.T) {
	gate := NewGate(NewStaticVerifier(secret, "", ""), NewWhitelist("parent-app"), zap.NewNop(), nil)
	h := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(id.AppID))
	}))

	req := httptest.NewRequest(http.MethodPost, "/activities/1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/activities/1", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, jwt.MapClaims{"appid": "intruder"}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "not authorized")

	req = httptest.NewRequest(http.MethodPost, "/activities/1", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, jwt.MapClaims{"appid": "parent-app"}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "parent-app", rec.Body.String())
}

// Authenticating the same token repeatedly always gives the same decision,
// and an app id outside a non-empty whitelist is always denied.
func TestAuthIdempotence(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		allowed := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z]{3,6}`), 1, 4, rapid.ID[string]).Draw(rt, "allowed")
		caller := rapid.StringMatching(`[a-z]{3,6}`).Draw(rt, "caller")
		v2 := rapid.Bool().Draw(rt, "v2")

		claims := jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}
		if v2 {
			claims["ver"] = "2.0"
			claims["azp"] = caller
		} else {
			claims["appid"] = caller
		}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		if err != nil {
			rt.Fatal(err)
		}

		gate := NewGate(NewStaticVerifier(secret, "", ""), NewWhitelist(allowed...), nil, nil)
		want := NewWhitelist(allowed...).Allows(caller)
		for i := 0; i < 3; i++ {
			_, err := gate.Check(context.Background(), "Bearer "+tok)
			if (err == nil) != want {
				rt.Fatalf("attempt %d: allowed=%v err=%v", i, want, err)
			}
		}
	})
}

func TestStaticCredentialsRoundTrip(t *testing.T) {
	creds := &StaticCredentials{AppID: "parent-app", Secret: secret, Audience: "skill-app"}
	tok, err := creds.Token(context.Background())
	require.NoError(t, err)

	id, err := NewStaticVerifier(secret, "", "skill-app").Verify(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "parent-app", AppID(id.Claims))

	_, err = NewStaticVerifier(secret, "", "other-app").Verify(context.Background(), tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestClientCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"abc","token_type":"bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	creds := NewClientCredentials(context.Background(), "id", "secret", srv.URL)
	tok, err := creds.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
}

func TestJWKSVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"issuer": "https://issuer.test", "jwks_uri": srv.URL + "/keys"})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "k1",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewJWKSVerifier(ctx, JWKSConfig{MetadataURL: srv.URL + "/.well-known/openid-configuration", Audience: "parent"}, srv.Client())
	require.NoError(t, err)

	mint := func(iss string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"iss": iss, "aud": "parent", "ver": "2.0", "azp": "skill-app",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		tok.Header["kid"] = "k1"
		s, err := tok.SignedString(key)
		require.NoError(t, err)
		return s
	}

	id, err := v.Verify(ctx, mint("https://issuer.test"))
	require.NoError(t, err)
	assert.Equal(t, "skill-app", AppID(id.Claims))

	_, err = v.Verify(ctx, mint("https://evil.test"))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify(ctx, sign(t, jwt.MapClaims{"aud": "parent"}))
	assert.ErrorIs(t, err, ErrInvalidToken, "HS256 is rejected by the key-set verifier")
}
