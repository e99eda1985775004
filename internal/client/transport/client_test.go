package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/cryptox"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	identity, api := Endpoints(srv.URL + "/")
	return NewClient(Options{
		IdentityURL: identity,
		APIURL:      api,
		Device:      Device{Identifier: "dev-1", Name: "test"},
		Timeout:     2 * time.Second,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestEndpoints(t *testing.T) {
	identity, api := Endpoints("https://vault.example.com/")
	assert.Equal(t, "https://vault.example.com/identity", identity)
	assert.Equal(t, "https://vault.example.com/api", api)
}

func TestPreLogin(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/identity/accounts/prelogin", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "alice@example.com", body["email"])
		writeJSON(w, 200, map[string]any{"kdf": 0, "kdfIterations": 600000})
	})

	p, err := c.PreLogin(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, cryptox.KdfParams{Type: cryptox.KdfPBKDF2SHA256, Iterations: 600000}, p)
}

func TestPreLogin_Errors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	_, err := c.PreLogin(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, common.ErrAccountNotFound)

	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"kdf": 7, "kdfIterations": 1})
	})
	_, err = c.PreLogin(context.Background(), "alice@example.com")
	assert.ErrorIs(t, err, cryptox.ErrUnsupportedKdf)
}

func TestLogin_Success(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/identity/connect/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "password", r.PostForm.Get("grant_type"))
		assert.Equal(t, "alice@example.com", r.PostForm.Get("username"))
		assert.Equal(t, "hash", r.PostForm.Get("password"))
		assert.Equal(t, "dev-1", r.PostForm.Get("deviceIdentifier"))
		assert.Empty(t, r.PostForm.Get("twoFactorToken"))

		email, err := base64.RawURLEncoding.DecodeString(r.Header.Get("Auth-Email"))
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", string(email))

		writeJSON(w, 200, map[string]any{
			"access_token":  "at",
			"refresh_token": "rt",
			"expires_in":    3600,
			"Key":           "2.a|b|c",
		})
	})

	resp, err := c.Login(context.Background(), PasswordGrant{Email: "alice@example.com", PasswordHash: "hash"})
	require.NoError(t, err)
	assert.Equal(t, "at", resp.AccessToken)
	assert.Equal(t, "2.a|b|c", resp.Key)

	now := time.Now()
	assert.WithinDuration(t, now.Add(time.Hour), resp.ExpiresAt(now), time.Second)
}

func TestLogin_TwoFactorRequired(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 400, map[string]any{
			"error":               "invalid_grant",
			"error_description":   "Two factor required.",
			"TwoFactorProviders":  []string{"1", "0"},
			"TwoFactorProviders2": map[string]any{"0": nil, "1": map[string]string{"Email": "a***@example.com"}},
		})
	})

	_, err := c.Login(context.Background(), PasswordGrant{Email: "a", PasswordHash: "h"})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrTwoFactorRequired)
	assert.True(t, common.IsAuthError(err))

	var tfe *TwoFactorError
	require.True(t, errors.As(err, &tfe))
	assert.Equal(t, []TwoFactorProvider{ProviderAuthenticator, ProviderEmail}, tfe.Providers)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 400, apiErr.StatusCode)
}

func TestLogin_NewDeviceVerification(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 400, map[string]any{"error": "invalid_grant", "error_description": "New device verification required."})
	})
	_, err := c.Login(context.Background(), PasswordGrant{Email: "a", PasswordHash: "h"})

	var tfe *TwoFactorError
	require.True(t, errors.As(err, &tfe))
	assert.Equal(t, []TwoFactorProvider{ProviderEmailNewDevice}, tfe.Providers)
}

func TestLogin_SecondFactorFields(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "123456", r.PostForm.Get("twoFactorToken"))
		assert.Equal(t, "1", r.PostForm.Get("twoFactorProvider"))
		assert.Equal(t, "1", r.PostForm.Get("twoFactorRemember"))
		writeJSON(w, 400, map[string]any{"error": "invalid_grant", "error_description": "Two-step token is invalid."})
	})

	_, err := c.Login(context.Background(), PasswordGrant{
		Email: "a", PasswordHash: "h",
		TwoFactorToken: "123456", TwoFactorProvider: ProviderEmail, TwoFactorRemember: true,
	})
	assert.ErrorIs(t, err, common.ErrTwoFactorInvalid)
	assert.NotErrorIs(t, err, common.ErrInvalidCredentials)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 400, map[string]any{
			"error":             "invalid_grant",
			"error_description": "invalid_username_or_password",
			"ErrorModel":        map[string]string{"Message": "Username or password is incorrect. Try again."},
		})
	})
	_, err := c.Login(context.Background(), PasswordGrant{Email: "a", PasswordHash: "h"})
	assert.ErrorIs(t, err, common.ErrInvalidCredentials)
	assert.Contains(t, err.Error(), "Username or password is incorrect")
}

func TestRefresh(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("refresh_token") == "bad" {
			writeJSON(w, 400, map[string]any{"error": "invalid_grant"})
			return
		}
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		writeJSON(w, 200, map[string]any{"access_token": "new", "refresh_token": "rt2", "expires_in": 60})
	})

	resp, err := c.Refresh(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "new", resp.AccessToken)

	_, err = c.Refresh(context.Background(), "bad")
	assert.ErrorIs(t, err, common.ErrAuthExpired)
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status    int
		want      error
		retryable bool
	}{
		{http.StatusUnauthorized, common.ErrAuthExpired, false},
		{http.StatusNotFound, common.ErrNotFound, false},
		{http.StatusInternalServerError, common.ErrNetwork, true},
		{http.StatusBadGateway, common.ErrNetwork, true},
		{http.StatusTooManyRequests, common.ErrNetwork, true},
		{http.StatusBadRequest, common.ErrNetwork, true},
		{http.StatusForbidden, common.ErrNetwork, true},
		{http.StatusConflict, common.ErrNetwork, true},
		{http.StatusUnprocessableEntity, common.ErrNetwork, true},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.status, map[string]string{"message": "nope"})
			})
			err := c.DeleteCipher(context.Background(), "at", "c1")
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.retryable, common.IsRetryable(err))
			assert.NotErrorIs(t, err, common.ErrValidation)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tc.status, apiErr.StatusCode)
			assert.Equal(t, "nope", apiErr.Message)
		})
	}
}

func TestStatusMapping_GrantErrorsOnlyOnTokenEndpoint(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 400, map[string]any{"error": "invalid_grant", "TwoFactorProviders": []string{"0"}})
	})
	_, err := c.UpdateCipher(context.Background(), "at", "c1", Cipher{})
	assert.ErrorIs(t, err, common.ErrNetwork)
	assert.NotErrorIs(t, err, common.ErrInvalidCredentials)
	var tfe *TwoFactorError
	assert.False(t, errors.As(err, &tfe))
}

func TestNetworkErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	c.httpClient.Timeout = 20 * time.Millisecond

	_, err := c.FetchAll(context.Background(), "at")
	assert.ErrorIs(t, err, common.ErrNetwork)
	assert.True(t, common.IsRetryable(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.FetchAll(ctx, "at")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, common.ErrNetwork)
}

func TestFetchAll(t *testing.T) {
	rev := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sync", r.URL.Path)
		assert.Equal(t, "Bearer at", r.Header.Get("Authorization"))
		// PascalCase keys, as older servers send them.
		writeJSON(w, 200, map[string]any{
			"Profile": map[string]any{"Id": "u1", "Email": "alice@example.com"},
			"Folders": []map[string]any{{"Id": "f1", "Name": "2.x|y|z", "RevisionDate": rev}},
			"Ciphers": []map[string]any{{
				"Id": "c1", "Type": 1, "Name": "2.n|n|n", "RevisionDate": rev,
				"Login": map[string]any{"Username": "2.u|u|u", "Uris": []map[string]any{{"Uri": "2.q|q|q", "Match": nil}}},
			}},
		})
	})

	resp, err := c.FetchAll(context.Background(), "at")
	require.NoError(t, err)
	assert.Equal(t, "u1", resp.Profile.ID)
	require.Len(t, resp.Folders, 1)
	require.Len(t, resp.Ciphers, 1)
	ci := resp.Ciphers[0]
	assert.Equal(t, CipherTypeLogin, ci.Type)
	assert.True(t, rev.Equal(ci.RevisionDate))
	require.NotNil(t, ci.Login)
	assert.Equal(t, "2.u|u|u", ci.Login.Username)
	assert.Equal(t, "2.q|q|q", ci.Login.URIs[0].URI)
}

func TestCipherMutations(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/ciphers":
			var req Cipher
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			req.ID = "new-id"
			req.RevisionDate = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
			writeJSON(w, 200, req)
		case r.Method == http.MethodPut && r.URL.Path == "/api/ciphers/new-id":
			body, _ := io.ReadAll(r.Body)
			assert.Contains(t, string(body), `"lastKnownRevisionDate"`)
			writeJSON(w, 200, map[string]any{"id": "new-id", "type": 2})
		case r.URL.Path == "/api/ciphers/new-id/delete":
			w.WriteHeader(200)
		case r.URL.Path == "/api/ciphers/new-id/restore":
			writeJSON(w, 200, map[string]any{"id": "new-id", "type": 2})
		case r.URL.Path == "/api/accounts/revision-date":
			_, _ = w.Write([]byte("1735689600000"))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	created, err := c.CreateCipher(ctx, "at", Cipher{Type: CipherTypeSecureNote, Name: "2.a|b|c", SecureNote: &SecureNote{}})
	require.NoError(t, err)
	assert.Equal(t, "new-id", created.ID)

	last := created.RevisionDate
	_, err = c.UpdateCipher(ctx, "at", "new-id", Cipher{Type: CipherTypeSecureNote, Name: "2.a|b|c", LastKnownRevisionDate: &last})
	require.NoError(t, err)
	require.NoError(t, c.DeleteCipher(ctx, "at", "new-id"))
	_, err = c.RestoreCipher(ctx, "at", "new-id")
	require.NoError(t, err)

	rev, err := c.AccountRevision(ctx, "at")
	require.NoError(t, err)
	assert.True(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Equal(rev))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"POST /api/ciphers",
		"PUT /api/ciphers/new-id",
		"PUT /api/ciphers/new-id/delete",
		"PUT /api/ciphers/new-id/restore",
		"GET /api/accounts/revision-date",
	}, calls)
}

func TestFolderMutations(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			writeJSON(w, 200, map[string]any{"id": "f1", "name": "2.a|b|c"})
		case http.MethodPut:
			writeJSON(w, 200, map[string]any{"id": "f1", "name": "2.d|e|f"})
		case http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		}
	})
	ctx := context.Background()

	f, err := c.CreateFolder(ctx, "at", "2.a|b|c")
	require.NoError(t, err)
	assert.Equal(t, "f1", f.ID)
	f, err = c.UpdateFolder(ctx, "at", "f1", "2.d|e|f")
	require.NoError(t, err)
	assert.Equal(t, "2.d|e|f", f.Name)
	require.NoError(t, c.DeleteFolder(ctx, "at", "f1"))
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second).UTC()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)

	assert.True(t, exp.Equal(TokenExpiry(tok)))
	assert.True(t, TokenExpiry("not-a-jwt").IsZero())
	assert.True(t, TokenExpiry("").IsZero())

	resp := &TokenResponse{AccessToken: tok}
	assert.True(t, exp.Equal(resp.ExpiresAt(time.Now())))
}

func TestTwoFactorProviderNames(t *testing.T) {
	for _, p := range []TwoFactorProvider{ProviderAuthenticator, ProviderEmail, ProviderDuo, ProviderYubiKey, ProviderWebAuthn, ProviderEmailNewDevice} {
		got, err := ParseTwoFactorProvider(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParseTwoFactorProvider("carrier-pigeon")
	assert.ErrorIs(t, err, common.ErrValidation)
}
