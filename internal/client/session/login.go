package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JoyinJoester/Monica-sub008/internal/client/events"
	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/client/transport"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/cryptox"
)

type LoginRequest struct {
	Email     string
	Password  []byte
	ServerURL string
}

// LoginOutcome is either LoggedIn or TwoFactorRequired.
type LoginOutcome interface {
	loginOutcome()
}

type LoggedIn struct {
	VaultID string
}

// TwoFactorRequired means the password was accepted and a second factor
// must be supplied through CompleteTwoFactor before the challenge expires.
type TwoFactorRequired struct {
	ChallengeID string
	// VaultID is the vault the login will create or update.
	VaultID   string
	Providers []transport.TwoFactorProvider
}

func (LoggedIn) loginOutcome()          {}
func (TwoFactorRequired) loginOutcome() {}

type challenge struct {
	mu          sync.Mutex
	id          string
	email       string
	serverURL   string
	identityURL string
	apiURL      string
	vaultID     string
	prev        State
	fresh       bool
	providers   []transport.TwoFactorProvider
	state       *cryptox.TwoFactorState
	timer       *time.Timer
}

// loginTarget is the account a login is for. A first login of an account
// reserves the vault id up front; fresh marks that reservation.
type loginTarget struct {
	email       string
	serverURL   string
	identityURL string
	apiURL      string
	vaultID     string
	prev        State
	fresh       bool
}

// Login authenticates against the server. On success the vault is created or
// updated and left Unlocked. The vault passes through Authenticating, and
// TwoFactorPending when a second factor is asked for, even on the first
// login of an account.
func (c *Controller) Login(ctx context.Context, req LoginRequest) (LoginOutcome, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" || len(req.Password) == 0 || req.ServerURL == "" {
		return nil, fmt.Errorf("%w: email, password and server url are required", common.ErrValidation)
	}

	t := loginTarget{email: email, serverURL: req.ServerURL}
	t.identityURL, t.apiURL = transport.Endpoints(req.ServerURL)

	existing, err := c.repos.Vaults(c.db).FindByEmail(ctx, email, req.ServerURL)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		t.vaultID = existing.ID
		t.prev = c.session(existing.ID).current()
	} else {
		t.vaultID = uuid.NewString()
		t.prev = LoggedOut
		t.fresh = true
	}
	c.transition(t.vaultID, c.session(t.vaultID), Authenticating)

	outcome, err := c.login(ctx, t, req.Password)
	if err != nil {
		c.settle(t.vaultID, t.prev, t.fresh)
	}
	return outcome, err
}

// settle returns a vault to its state before a login that did not finish. A
// reserved vault id that never got a vault is forgotten.
func (c *Controller) settle(vaultID string, prev State, fresh bool) {
	c.transition(vaultID, c.session(vaultID), prev)
	if !fresh {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if vs, ok := c.vaults[vaultID]; ok && vs.current() == LoggedOut {
		delete(c.vaults, vaultID)
	}
}

func (c *Controller) login(ctx context.Context, t loginTarget, password []byte) (LoginOutcome, error) {
	remote := c.newRemote(t.identityURL, t.apiURL)

	kdf, err := remote.PreLogin(ctx, t.email)
	if err != nil {
		return nil, fmt.Errorf("prelogin failed: %w", err)
	}
	masterKey, err := derive(ctx, password, t.email, kdf)
	if err != nil {
		return nil, err
	}
	defer wipe(masterKey)
	hash := cryptox.HashMasterPassword(masterKey, password)

	tok, err := remote.Login(ctx, transport.PasswordGrant{Email: t.email, PasswordHash: hash})
	var tfe *transport.TwoFactorError
	if errors.As(err, &tfe) {
		ch := c.newChallenge(t, tfe.Providers, cryptox.NewTwoFactorState(t.email, kdf, masterKey, hash))
		c.transition(t.vaultID, c.session(t.vaultID), TwoFactorPending)
		c.logger.Info(ctx, "two-factor authentication required", "email", t.email, "providers", len(ch.providers))
		return TwoFactorRequired{ChallengeID: ch.id, VaultID: t.vaultID, Providers: slices.Clone(ch.providers)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	id, err := c.finishLogin(ctx, t, kdf, masterKey, tok)
	if err != nil {
		return nil, err
	}
	return LoggedIn{VaultID: id}, nil
}

func (c *Controller) newChallenge(t loginTarget, providers []transport.TwoFactorProvider, st *cryptox.TwoFactorState) *challenge {
	ch := &challenge{
		id:          uuid.NewString(),
		email:       t.email,
		serverURL:   t.serverURL,
		identityURL: t.identityURL,
		apiURL:      t.apiURL,
		vaultID:     t.vaultID,
		prev:        t.prev,
		fresh:       t.fresh,
		providers:   providers,
		state:       st,
	}
	ch.timer = time.AfterFunc(c.opts.TwoFactorTimeout, func() { c.expireChallenge(ch.id) })

	c.mu.Lock()
	c.challenges[ch.id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Controller) takeChallenge(id string, remove bool) *challenge {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.challenges[id]
	if ch != nil && remove {
		delete(c.challenges, id)
	}
	return ch
}

func (c *Controller) expireChallenge(id string) {
	ch := c.takeChallenge(id, true)
	if ch == nil {
		return
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	c.abandon(ch)
	c.logger.Info(context.Background(), "two-factor challenge expired", "email", ch.email)
}

// abandon clears the key material of ch. The caller holds ch.mu.
func (c *Controller) abandon(ch *challenge) {
	ch.timer.Stop()
	if ch.state == nil {
		return
	}
	ch.state.Clear()
	ch.state = nil
	c.settle(ch.vaultID, ch.prev, ch.fresh)
}

// CompleteTwoFactor answers a pending challenge. A rejected code keeps the
// challenge open for another attempt; any other outcome closes it.
func (c *Controller) CompleteTwoFactor(ctx context.Context, challengeID string, provider transport.TwoFactorProvider, code string, remember bool) (string, error) {
	ch := c.takeChallenge(challengeID, false)
	if ch == nil {
		return "", common.ErrTwoFactorExpired
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state == nil {
		return "", common.ErrTwoFactorExpired
	}
	if !slices.Contains(ch.providers, provider) {
		return "", fmt.Errorf("%w: provider %s was not offered", common.ErrValidation, provider)
	}
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("%w: empty two-factor code", common.ErrValidation)
	}

	g := transport.PasswordGrant{Email: ch.email, PasswordHash: string(ch.state.PasswordHash)}
	if provider == transport.ProviderEmailNewDevice {
		g.NewDeviceOTP = strings.TrimSpace(code)
	} else {
		g.TwoFactorToken = strings.TrimSpace(code)
		g.TwoFactorProvider = provider
		g.TwoFactorRemember = remember
	}

	remote := c.newRemote(ch.identityURL, ch.apiURL)
	tok, err := remote.Login(ctx, g)
	if errors.Is(err, common.ErrTwoFactorInvalid) {
		ch.timer.Reset(c.opts.TwoFactorTimeout)
		return "", err
	}

	c.takeChallenge(challengeID, true)
	if err != nil {
		c.abandon(ch)
		return "", fmt.Errorf("two-factor login failed: %w", err)
	}

	t := loginTarget{
		email: ch.email, serverURL: ch.serverURL, identityURL: ch.identityURL, apiURL: ch.apiURL,
		vaultID: ch.vaultID, prev: ch.prev, fresh: ch.fresh,
	}
	id, err := c.finishLogin(ctx, t, ch.state.Kdf, ch.state.MasterKey, tok)
	if err != nil {
		c.abandon(ch)
		return "", err
	}
	ch.timer.Stop()
	ch.state.Clear()
	ch.state = nil
	return id, nil
}

// CancelTwoFactor abandons a pending challenge and clears its key material.
func (c *Controller) CancelTwoFactor(challengeID string) error {
	ch := c.takeChallenge(challengeID, true)
	if ch == nil {
		return common.ErrTwoFactorExpired
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	c.abandon(ch)
	return nil
}

// finishLogin turns a token response into an unlocked vault.
func (c *Controller) finishLogin(ctx context.Context, t loginTarget, kdf cryptox.KdfParams, masterKey []byte, tok *transport.TokenResponse) (string, error) {
	if tok.Key == "" {
		return "", fmt.Errorf("%w: server returned no account key", common.ErrInvalidCredentials)
	}
	keys, err := cryptox.UnwrapProtectedKey(masterKey, tok.Key)
	if err != nil {
		return "", err
	}
	ok := false
	defer func() {
		if !ok {
			keys.Clear()
		}
	}()

	wrappedEnc, wrappedMac, err := cryptox.WrapSessionKeys(masterKey, keys)
	if err != nil {
		return "", err
	}
	access, err := keys.EncryptString(tok.AccessToken)
	if err != nil {
		return "", err
	}
	refresh, err := keys.EncryptString(tok.RefreshToken)
	if err != nil {
		return "", err
	}

	repo := c.repos.Vaults(c.db)
	v, err := repo.FindByEmail(ctx, t.email, t.serverURL)
	if err != nil {
		return "", err
	}
	if v == nil {
		all, err := repo.List(ctx)
		if err != nil {
			return "", err
		}
		id := t.vaultID
		if id == "" {
			id = uuid.NewString()
		}
		v = &models.Vault{
			ID:          id,
			Email:       t.email,
			ServerURL:   t.serverURL,
			SyncEnabled: true,
			IsDefault:   len(all) == 0,
		}
	}

	now := c.opts.Now().UTC()
	v.IdentityURL = t.identityURL
	v.APIURL = t.apiURL
	v.Kdf = kdf
	v.AccessToken = access
	v.RefreshToken = refresh
	v.AccessTokenExpiresAt = tok.ExpiresAt(now)
	v.WrappedEncKey = wrappedEnc
	v.WrappedMacKey = wrappedMac
	v.IsLocked = false
	v.IsConnected = true
	if err := repo.Upsert(ctx, v); err != nil {
		return "", err
	}

	ok = true
	if t.fresh && v.ID != t.vaultID {
		c.settle(t.vaultID, LoggedOut, true)
	}
	c.session(v.ID).setUnlocked(keys)
	c.publish(events.Event{Type: events.StateChanged, VaultID: v.ID, Detail: Unlocked.String()})
	c.logger.Info(ctx, "logged in", "vault_id", v.ID, "kdf", kdf.Type.String())
	return v.ID, nil
}
