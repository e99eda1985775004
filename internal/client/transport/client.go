// Package transport is the HTTP client of the remote vault service: the
// identity endpoints (prelogin, token grants) and the vault API (sync,
// cipher and folder mutations). Responses are classified into the error
// taxonomy of package common.
package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/cryptox"
	"github.com/JoyinJoester/Monica-sub008/internal/logging"
)

const (
	clientID      = "desktop"
	clientName    = "desktop"
	clientVersion = "2025.9.1"
	deviceType    = "8"

	maxErrorBody = 64 << 10
)

// Device identifies this installation to the identity service.
type Device struct {
	Identifier string
	Name       string
}

type Options struct {
	IdentityURL string
	APIURL      string
	Device      Device
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      logging.Logger
}

// Client talks to one remote vault service. It is safe for concurrent use.
type Client struct {
	identityURL string
	apiURL      string
	device      Device
	httpClient  *http.Client
	logger      logging.Logger
}

// Endpoints derives the identity and API base URLs of a self-hosted style
// server URL.
func Endpoints(serverURL string) (identityURL, apiURL string) {
	base := strings.TrimRight(serverURL, "/")
	return base + "/identity", base + "/api"
}

func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		identityURL: strings.TrimRight(opts.IdentityURL, "/"),
		apiURL:      strings.TrimRight(opts.APIURL, "/"),
		device:      opts.Device,
		httpClient:  hc,
		logger:      logger.With("module", "transport"),
	}
}

// PreLogin fetches the KDF parameters of an account.
func (c *Client) PreLogin(ctx context.Context, email string) (cryptox.KdfParams, error) {
	var resp preLoginResponse
	err := c.doJSON(ctx, http.MethodPost, c.identityURL+"/accounts/prelogin", "", preLoginRequest{Email: email}, &resp)
	if errors.Is(err, common.ErrNotFound) {
		return cryptox.KdfParams{}, fmt.Errorf("%w: %s", common.ErrAccountNotFound, email)
	}
	if err != nil {
		return cryptox.KdfParams{}, err
	}
	p := resp.params()
	if err := p.Validate(); err != nil {
		return cryptox.KdfParams{}, err
	}
	return p, nil
}

// PasswordGrant is a password login attempt, optionally carrying a second
// factor.
type PasswordGrant struct {
	Email             string
	PasswordHash      string
	TwoFactorToken    string
	TwoFactorProvider TwoFactorProvider
	TwoFactorRemember bool
	NewDeviceOTP      string
}

func (g PasswordGrant) hasSecondFactor() bool {
	return g.TwoFactorToken != "" || g.NewDeviceOTP != ""
}

// Login runs the password grant. A *TwoFactorError (wrapped in *APIError)
// is returned when the server asks for a second factor.
func (c *Client) Login(ctx context.Context, g PasswordGrant) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":       {"password"},
		"username":         {g.Email},
		"password":         {g.PasswordHash},
		"scope":            {"api offline_access"},
		"client_id":        {clientID},
		"deviceIdentifier": {c.device.Identifier},
		"deviceType":       {deviceType},
		"deviceName":       {c.device.Name},
	}
	switch {
	case g.NewDeviceOTP != "":
		form.Set("newDeviceOtp", g.NewDeviceOTP)
	case g.TwoFactorToken != "":
		form.Set("twoFactorToken", g.TwoFactorToken)
		form.Set("twoFactorProvider", strconv.Itoa(int(g.TwoFactorProvider)))
		remember := "0"
		if g.TwoFactorRemember {
			remember = "1"
		}
		form.Set("twoFactorRemember", remember)
	}

	header := http.Header{}
	header.Set("Auth-Email", base64.RawURLEncoding.EncodeToString([]byte(g.Email)))
	header.Set("device-type", deviceType)
	header.Set("cache-control", "no-store")

	resp, err := c.token(ctx, form, header)
	if err != nil && g.hasSecondFactor() && errors.Is(err, common.ErrInvalidCredentials) {
		return nil, retag(err, common.ErrTwoFactorInvalid)
	}
	return resp, err
}

// Refresh exchanges a refresh token for a new access token. A rejected
// refresh token means the session is gone and is reported as
// common.ErrAuthExpired.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
	}
	resp, err := c.token(ctx, form, http.Header{})
	if errors.Is(err, common.ErrInvalidCredentials) {
		return nil, retag(err, common.ErrAuthExpired)
	}
	return resp, err
}

func (c *Client) token(ctx context.Context, form url.Values, header http.Header) (*TokenResponse, error) {
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	var resp TokenResponse
	if err := c.do(ctx, http.MethodPost, c.identityURL+"/connect/token", "", header, strings.NewReader(form.Encode()), &resp, classifyToken); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response without access token", common.ErrNetwork)
	}
	return &resp, nil
}

// FetchAll downloads the complete account snapshot.
func (c *Client) FetchAll(ctx context.Context, accessToken string) (*SyncResponse, error) {
	var resp SyncResponse
	if err := c.doJSON(ctx, http.MethodGet, c.apiURL+"/sync?excludeDomains=true", accessToken, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AccountRevision returns the account wide revision date.
func (c *Client) AccountRevision(ctx context.Context, accessToken string) (time.Time, error) {
	var ms int64
	if err := c.doJSON(ctx, http.MethodGet, c.apiURL+"/accounts/revision-date", accessToken, nil, &ms); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (c *Client) CreateCipher(ctx context.Context, accessToken string, req Cipher) (*Cipher, error) {
	var resp Cipher
	if err := c.doJSON(ctx, http.MethodPost, c.apiURL+"/ciphers", accessToken, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) UpdateCipher(ctx context.Context, accessToken, id string, req Cipher) (*Cipher, error) {
	var resp Cipher
	if err := c.doJSON(ctx, http.MethodPut, c.apiURL+"/ciphers/"+url.PathEscape(id), accessToken, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteCipher moves an item to the server side trash.
func (c *Client) DeleteCipher(ctx context.Context, accessToken, id string) error {
	return c.doJSON(ctx, http.MethodPut, c.apiURL+"/ciphers/"+url.PathEscape(id)+"/delete", accessToken, nil, nil)
}

// RestoreCipher takes an item out of the trash.
func (c *Client) RestoreCipher(ctx context.Context, accessToken, id string) (*Cipher, error) {
	var resp Cipher
	if err := c.doJSON(ctx, http.MethodPut, c.apiURL+"/ciphers/"+url.PathEscape(id)+"/restore", accessToken, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) CreateFolder(ctx context.Context, accessToken, encryptedName string) (*Folder, error) {
	var resp Folder
	if err := c.doJSON(ctx, http.MethodPost, c.apiURL+"/folders", accessToken, folderRequest{Name: encryptedName}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) UpdateFolder(ctx context.Context, accessToken, id, encryptedName string) (*Folder, error) {
	var resp Folder
	if err := c.doJSON(ctx, http.MethodPut, c.apiURL+"/folders/"+url.PathEscape(id), accessToken, folderRequest{Name: encryptedName}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) DeleteFolder(ctx context.Context, accessToken, id string) error {
	return c.doJSON(ctx, http.MethodDelete, c.apiURL+"/folders/"+url.PathEscape(id), accessToken, nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, target, accessToken string, body, out any) error {
	header := http.Header{}
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
		header.Set("Content-Type", "application/json")
	}
	return c.do(ctx, method, target, accessToken, header, reader, out, classify)
}

func (c *Client) do(ctx context.Context, method, target, accessToken string, header http.Header, body io.Reader, out any,
	classifier func(int, []byte) error) error {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Bitwarden-Client-Name", clientName)
	req.Header.Set("Bitwarden-Client-Version", clientVersion)
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		c.logger.Warn(ctx, "request failed", "method", method, "path", req.URL.Path, "error", err)
		return fmt.Errorf("%w: %s %s: %v", common.ErrNetwork, method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug(ctx, "request done", "method", method, "path", req.URL.Path,
		"status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return classifier(resp.StatusCode, raw)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode %s response: %v", common.ErrNetwork, req.URL.Path, err)
	}
	return nil
}

// classify maps a failed API response onto the error taxonomy. Only 401 and
// 404 are final; every other status may succeed on a later attempt.
func classify(status int, body []byte) error {
	var parsed tokenErrorResponse
	_ = json.Unmarshal(body, &parsed)
	return &APIError{StatusCode: status, Message: errorMessage(parsed, body), Err: statusError(status)}
}

func statusError(status int) error {
	switch status {
	case http.StatusUnauthorized:
		return common.ErrAuthExpired
	case http.StatusNotFound:
		return common.ErrNotFound
	}
	return common.ErrNetwork
}

// classifyToken maps a failed identity token response. A 400 there carries
// the two-factor challenge or the rejection of the credentials.
func classifyToken(status int, body []byte) error {
	var parsed tokenErrorResponse
	_ = json.Unmarshal(body, &parsed)

	apiErr := &APIError{StatusCode: status, Message: errorMessage(parsed, body), Err: statusError(status)}
	if status != http.StatusBadRequest {
		return apiErr
	}
	if providers := parsed.providers(); len(providers) > 0 {
		apiErr.Err = &TwoFactorError{Providers: providers}
	} else if strings.Contains(strings.ToLower(parsed.ErrorDescription), "new device verification") {
		apiErr.Err = &TwoFactorError{Providers: []TwoFactorProvider{ProviderEmailNewDevice}}
	} else if parsed.Error == "invalid_grant" {
		apiErr.Err = common.ErrInvalidCredentials
	}
	return apiErr
}

func errorMessage(parsed tokenErrorResponse, body []byte) string {
	switch {
	case parsed.ErrorModel != nil && parsed.ErrorModel.Message != "":
		return parsed.ErrorModel.Message
	case parsed.ErrorDescription != "":
		return parsed.ErrorDescription
	case parsed.Error != "":
		return parsed.Error
	}
	var generic struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &generic) == nil && generic.Message != "" {
		return generic.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func (r tokenErrorResponse) providers() []TwoFactorProvider {
	seen := map[TwoFactorProvider]bool{}
	var out []TwoFactorProvider
	add := func(s string) {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil || seen[TwoFactorProvider(n)] {
			return
		}
		seen[TwoFactorProvider(n)] = true
		out = append(out, TwoFactorProvider(n))
	}
	for k := range r.TwoFactorProviders2 {
		add(k)
	}
	for _, v := range r.TwoFactorProviders {
		add(fmt.Sprint(v))
	}
	return sortProviders(out)
}

// retag keeps the status and message of an *APIError but replaces its
// classification.
func retag(err error, sentinel error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return &APIError{StatusCode: apiErr.StatusCode, Message: apiErr.Message, Err: sentinel}
	}
	return sentinel
}
