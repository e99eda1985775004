package session

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoyinJoester/Monica-sub008/internal/client/decoder"
	"github.com/JoyinJoester/Monica-sub008/internal/client/events"
	"github.com/JoyinJoester/Monica-sub008/internal/client/merge"
	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/client/queue"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/operations"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/repomanager"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/repotest"
	"github.com/JoyinJoester/Monica-sub008/internal/client/transport"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/cryptox"
	"github.com/JoyinJoester/Monica-sub008/internal/dbx"
	"github.com/JoyinJoester/Monica-sub008/internal/logging"
)

const (
	testEmail    = "alice@example.com"
	testPassword = "correct horse battery staple"
	testServer   = "https://vault.example.com"
)

// fakeRemote is an in-memory vault service holding real ciphertext.
type fakeRemote struct {
	mu sync.Mutex

	kdf          cryptox.KdfParams
	hash         string
	protectedKey string
	keys         *cryptox.SessionKeys

	twoFactor []transport.TwoFactorProvider
	code      string

	ciphers  []transport.Cipher
	folders  []transport.Folder
	revision time.Time
	now      time.Time

	pushErr  error
	fetchErr error
	// onFetch and onUpdate run before the call is served; a non-nil error
	// is returned to the caller.
	onFetch  func(context.Context) error
	onUpdate func(context.Context) error
	nextID   int
	creates  int
	updates  int
	fetches  int
}

func newFakeRemote(t *testing.T, kdf cryptox.KdfParams) *fakeRemote {
	t.Helper()
	mk, err := cryptox.DeriveMasterKey([]byte(testPassword), testEmail, kdf)
	require.NoError(t, err)
	keys := cryptox.GenerateSessionKeys()
	pk, err := cryptox.ProtectKey(mk, keys)
	require.NoError(t, err)
	return &fakeRemote{
		kdf:          kdf,
		hash:         cryptox.HashMasterPassword(mk, []byte(testPassword)),
		protectedKey: pk,
		keys:         keys,
		now:          time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeRemote) PreLogin(context.Context, string) (cryptox.KdfParams, error) {
	return f.kdf, nil
}

func (f *fakeRemote) Login(_ context.Context, g transport.PasswordGrant) (*transport.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g.PasswordHash != f.hash {
		return nil, common.ErrInvalidCredentials
	}
	if len(f.twoFactor) > 0 {
		if g.TwoFactorToken == "" && g.NewDeviceOTP == "" {
			return nil, &transport.TwoFactorError{Providers: f.twoFactor}
		}
		if g.TwoFactorToken != f.code && g.NewDeviceOTP != f.code {
			return nil, common.ErrTwoFactorInvalid
		}
	}
	return &transport.TokenResponse{AccessToken: "access", RefreshToken: "refresh", ExpiresIn: 3600, Key: f.protectedKey}, nil
}

func (f *fakeRemote) Refresh(context.Context, string) (*transport.TokenResponse, error) {
	return &transport.TokenResponse{AccessToken: "access2", ExpiresIn: 3600}, nil
}

func (f *fakeRemote) FetchAll(ctx context.Context, _ string) (*transport.SyncResponse, error) {
	if f.onFetch != nil {
		if err := f.onFetch(ctx); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &transport.SyncResponse{
		Ciphers: append([]transport.Cipher(nil), f.ciphers...),
		Folders: append([]transport.Folder(nil), f.folders...),
	}, nil
}

func (f *fakeRemote) AccountRevision(context.Context, string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revision, nil
}

func (f *fakeRemote) CreateCipher(_ context.Context, _ string, req transport.Cipher) (*transport.Cipher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	f.creates++
	f.nextID++
	req.ID = fmt.Sprintf("new-%d", f.nextID)
	req.RevisionDate = f.now
	f.ciphers = append(f.ciphers, req)
	return &req, nil
}

func (f *fakeRemote) UpdateCipher(ctx context.Context, _, id string, req transport.Cipher) (*transport.Cipher, error) {
	if f.onUpdate != nil {
		if err := f.onUpdate(ctx); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	f.updates++
	for i := range f.ciphers {
		if f.ciphers[i].ID == id {
			req.ID = id
			req.RevisionDate = f.now
			f.ciphers[i] = req
			return &req, nil
		}
	}
	return nil, common.ErrNotFound
}

func (f *fakeRemote) DeleteCipher(_ context.Context, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	for i := range f.ciphers {
		if f.ciphers[i].ID == id {
			f.ciphers = append(f.ciphers[:i], f.ciphers[i+1:]...)
			return nil
		}
	}
	return common.ErrNotFound
}

func (f *fakeRemote) RestoreCipher(_ context.Context, _, id string) (*transport.Cipher, error) {
	return &transport.Cipher{ID: id, RevisionDate: f.now}, nil
}

func (f *fakeRemote) CreateFolder(_ context.Context, _, name string) (*transport.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	out := transport.Folder{ID: fmt.Sprintf("folder-%d", f.nextID), Name: name, RevisionDate: f.now}
	f.folders = append(f.folders, out)
	return &out, nil
}

func (f *fakeRemote) UpdateFolder(_ context.Context, _, id, name string) (*transport.Folder, error) {
	return &transport.Folder{ID: id, Name: name, RevisionDate: f.now}, nil
}

func (f *fakeRemote) DeleteFolder(context.Context, string, string) error { return nil }

// login item encrypted under the account keys.
func (f *fakeRemote) addLogin(t *testing.T, id, title, username, password string, rev time.Time) {
	t.Helper()
	c := f.encodeLogin(t, title, username, password)
	c.ID = id
	c.RevisionDate = rev
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ciphers = append(f.ciphers, c)
	if rev.After(f.revision) {
		f.revision = rev
	}
}

func (f *fakeRemote) replaceLogin(t *testing.T, id, title, username, password string, rev time.Time) {
	t.Helper()
	c := f.encodeLogin(t, title, username, password)
	c.ID = id
	c.RevisionDate = rev
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.ciphers {
		if f.ciphers[i].ID == id {
			f.ciphers[i] = c
		}
	}
	if rev.After(f.revision) {
		f.revision = rev
	}
}

func (f *fakeRemote) encodeLogin(t *testing.T, title, username, password string) transport.Cipher {
	t.Helper()
	c, err := decoder.Encode(loginRecord("", title, username, password), f.keys, time.Time{})
	require.NoError(t, err)
	return c
}

func loginRecord(id, title, username, password string) *models.Record {
	return &models.Record{
		ID:      id,
		Title:   models.Text(title),
		Payload: models.Login{Username: models.Text(username), Password: models.Text(password)},
	}
}

type env struct {
	db     *sql.DB
	repos  *repomanager.SQLRepositoryManager
	q      *queue.Queue
	c      *Controller
	remote *fakeRemote
	now    time.Time
}

func fastKdf() cryptox.KdfParams {
	return cryptox.KdfParams{Type: cryptox.KdfPBKDF2SHA256, Iterations: 5000}
}

func setup(t *testing.T, kdf cryptox.KdfParams, opts ...func(*Options)) *env {
	t.Helper()
	e := &env{
		db:     repotest.NewDB(t),
		repos:  repomanager.NewSQLRepositoryManager(dbx.SQLite),
		remote: newFakeRemote(t, kdf),
		now:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	e.q = queue.New(e.db, e.repos, logging.Discard(), queue.Options{Now: func() time.Time { return e.now }})
	e.c = e.controller(t, opts...)
	return e
}

func (e *env) controller(t *testing.T, opts ...func(*Options)) *Controller {
	t.Helper()
	o := Options{
		DB:               e.db,
		Repos:            e.repos,
		Remote:           func(string, string) Remote { return e.remote },
		Queue:            e.q,
		Logger:           logging.Discard(),
		TwoFactorTimeout: time.Minute,
		Now:              func() time.Time { return e.now },
	}
	for _, fn := range opts {
		fn(&o)
	}
	c, err := New(context.Background(), o)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func (e *env) login(t *testing.T) string {
	t.Helper()
	out, err := e.c.Login(context.Background(), LoginRequest{Email: testEmail, Password: []byte(testPassword), ServerURL: testServer})
	require.NoError(t, err)
	in, ok := out.(LoggedIn)
	require.True(t, ok, "expected LoggedIn, got %T", out)
	return in.VaultID
}

func (e *env) record(t *testing.T, vaultID, remoteID string) *models.Record {
	t.Helper()
	rec, err := e.repos.Records(e.db).GetByRemoteID(context.Background(), vaultID, remoteID)
	require.NoError(t, err)
	return rec
}

func (e *env) activeOps(t *testing.T, recordID string) []*models.PendingOperation {
	t.Helper()
	ops, err := e.repos.Operations(e.db).ListActiveForRecord(context.Background(), recordID)
	require.NoError(t, err)
	return ops
}

// editLocally changes the password of rec and queues the update the way the
// record service does.
func (e *env) editLocally(t *testing.T, rec *models.Record, password string) {
	t.Helper()
	ctx := context.Background()
	login := rec.Payload.(models.Login)
	login.Password = models.Text(password)
	rec.Payload = login
	rec.Remote.IsLocallyModified = true
	require.NoError(t, e.repos.Records(e.db).Upsert(ctx, rec))

	snap, err := rec.Snapshot()
	require.NoError(t, err)
	payload, err := snap.Marshal()
	require.NoError(t, err)
	_, err = e.q.Enqueue(ctx, e.db, &models.PendingOperation{
		VaultID: rec.VaultID(), RecordID: rec.ID, RemoteID: rec.RemoteID(),
		Kind: models.OpUpdate, Target: models.TargetCipher, RecordKind: rec.Kind(), Payload: payload,
	})
	require.NoError(t, err)
}

func TestLoginAndFirstSync(t *testing.T) {
	e := setup(t, cryptox.DefaultKdfParams())
	ctx := context.Background()
	rev := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	local := loginRecord("local-1", "Bank", "me", "pw")
	require.NoError(t, e.repos.Records(e.db).Upsert(ctx, local))

	e.remote.addLogin(t, "c1", "GitHub", "octo", "p1", rev)
	e.remote.addLogin(t, "c2", "Mail", "alice", "p2", rev)
	e.remote.addLogin(t, "c3", "Bank", "me", "pw", rev)

	vaultID := e.login(t)
	assert.Equal(t, Unlocked, e.c.State(vaultID))

	res, err := e.c.Sync(ctx, vaultID, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, merge.Counts{Inserted: 2, Overwritten: 1}, res.Counts)
	assert.Empty(t, res.Failures)
	assert.Equal(t, rev, res.Revision)

	adopted := e.record(t, vaultID, "c3")
	assert.Equal(t, "local-1", adopted.ID)
	assert.False(t, adopted.IsLocallyModified())

	gh := e.record(t, vaultID, "c1")
	assert.Equal(t, "GitHub", gh.Title.Value)
	assert.Equal(t, "p1", gh.Payload.(models.Login).Password.Value)

	v, err := e.repos.Vaults(e.db).GetByID(ctx, vaultID)
	require.NoError(t, err)
	assert.True(t, v.IsDefault)
	assert.False(t, v.IsLocked)
	assert.Equal(t, rev, v.LastSyncRevision)
	assert.NotEqual(t, "access", v.AccessToken)
}

func TestSync_ConcurrentEditThenKeepLocal(t *testing.T) {
	e := setup(t, fastKdf())
	ctx := context.Background()
	r1 := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	e.remote.addLogin(t, "c1", "GitHub", "octo", "server-v1", r1)

	vaultID := e.login(t)
	_, err := e.c.Sync(ctx, vaultID, SyncOptions{})
	require.NoError(t, err)

	rec := e.record(t, vaultID, "c1")
	e.editLocally(t, rec, "offline-edit")
	e.remote.replaceLogin(t, "c1", "GitHub", "octo", "server-v2", r1.Add(time.Hour))

	res, err := e.c.Sync(ctx, vaultID, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, merge.Counts{Conflicts: 1}, res.Counts)

	// Neither side was overwritten.
	kept := e.record(t, vaultID, "c1")
	assert.Equal(t, "offline-edit", kept.Payload.(models.Login).Password.Value)

	open, err := e.c.Conflicts(ctx, vaultID, true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	k := open[0]
	assert.Equal(t, models.ConflictConcurrentEdit, k.Type)
	assert.Equal(t, rec.ID, k.RecordID)
	assert.Equal(t, "server-v2", mustPayload(t, k.ServerSnapshot).(models.Login).Password.Value)
	assert.Equal(t, "offline-edit", mustPayload(t, k.LocalSnapshot).(models.Login).Password.Value)

	// A second pass keeps a single open conflict.
	_, err = e.c.Sync(ctx, vaultID, SyncOptions{Force: true})
	require.NoError(t, err)
	open, err = e.c.Conflicts(ctx, vaultID, true)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, e.c.ResolveConflict(ctx, k.ID, models.ResolutionKeptLocal))

	ops := e.activeOps(t, rec.ID)
	require.Len(t, ops, 1)
	assert.Equal(t, models.OpUpdate, ops[0].Kind)
	assert.Equal(t, "c1", ops[0].RemoteID)

	after := e.record(t, vaultID, "c1")
	assert.True(t, after.IsLocallyModified())
	assert.Equal(t, r1.Add(time.Hour), after.Remote.RevisionDate)

	err = e.c.ResolveConflict(ctx, k.ID, models.ResolutionKeptServer)
	assert.ErrorIs(t, err, common.ErrInvalidState)

	dr, err := e.c.Deliver(ctx, vaultID)
	require.NoError(t, err)
	assert.Equal(t, 1, dr.Delivered)
	assert.Equal(t, 1, e.remote.updates)
	assert.False(t, e.record(t, vaultID, "c1").IsLocallyModified())
}

func TestResolveConflict_KeepServer(t *testing.T) {
	e := setup(t, fastKdf())
	ctx := context.Background()
	r1 := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	e.remote.addLogin(t, "c1", "GitHub", "octo", "v1", r1)

	vaultID := e.login(t)
	_, err := e.c.Sync(ctx, vaultID, SyncOptions{})
	require.NoError(t, err)

	rec := e.record(t, vaultID, "c1")
	e.editLocally(t, rec, "mine")
	e.remote.replaceLogin(t, "c1", "GitHub", "octo", "theirs", r1.Add(time.Hour))
	_, err = e.c.Sync(ctx, vaultID, SyncOptions{})
	require.NoError(t, err)

	open, err := e.c.Conflicts(ctx, vaultID, true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.NoError(t, e.c.ResolveConflict(ctx, open[0].ID, models.ResolutionKeptServer))

	after := e.record(t, vaultID, "c1")
	assert.Equal(t, "theirs", after.Payload.(models.Login).Password.Value)
	assert.False(t, after.IsLocallyModified())
	assert.Equal(t, r1.Add(time.Hour), after.Remote.RevisionDate)
	assert.Empty(t, e.activeOps(t, rec.ID))
}

func TestSync_ServerDeleteConflict(t *testing.T) {
	e := setup(t, fastKdf())
	ctx := context.Background()
	r1 := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	e.remote.addLogin(t, "c1", "GitHub", "octo", "v1", r1)
	e.remote.addLogin(t, "c2", "Mail", "alice", "v1", r1)

	vaultID := e.login(t)
	_, err := e.c.Sync(ctx, vaultID, SyncOptions{})
	require.NoError(t, err)

	rec := e.record(t, vaultID, "c1")
	e.editLocally(t, rec, "mine")
	e.remote.ciphers = e.remote.ciphers[1:]
	e.remote.revision = r1.Add(time.Hour)

	res, err := e.c.Sync(ctx, vaultID, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts.Conflicts)

	open, err := e.c.Conflicts(ctx, vaultID, true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.ConflictServerDelete, open[0].Type)
	assert.Nil(t, open[0].ServerSnapshot)

	require.NoError(t, e.c.ResolveConflict(ctx, open[0].ID, models.ResolutionKeptLocal))
	ops := e.activeOps(t, rec.ID)
	require.Len(t, ops, 1)
	assert.Equal(t, models.OpCreate, ops[0].Kind)

	_, err = e.c.Deliver(ctx, vaultID)
	require.NoError(t, err)
	recs, err := e.repos.Records(e.db).ListByVault(ctx, vaultID)
	require.NoError(t, err)
	var recreated *models.Record
	for _, r := range recs {
		if r.ID == rec.ID {
			recreated = r
		}
	}
	require.NotNil(t, recreated)
	assert.Equal(t, "new-1", recreated.RemoteID())
}

func TestDeliver_AuthExpiredLocksVault(t *testing.T) {
	e := setup(t, fastKdf())
	ctx := context.Background()
	e.remote.addLogin(t, "c1", "GitHub", "octo", "v1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))

	vaultID := e.login(t)
	_, err := e.c.Sync(ctx, vaultID, SyncOptions{})
	require.NoError(t, err)

	rec := e.record(t, vaultID, "c1")
	e.editLocally(t, rec, "offline")
	before := e.record(t, vaultID, "c1")

	e.remote.pushErr = fmt.Errorf("push: %w", common.ErrAuthExpired)
	_, err = e.c.Deliver(ctx, vaultID)
	require.ErrorIs(t, err, common.ErrAuthExpired)

	assert.Equal(t, Locked, e.c.State(vaultID))
	ops := e.activeOps(t, rec.ID)
	require.Len(t, ops, 1)
	assert.Equal(t, models.StatusPending, ops[0].Status)
	assert.Equal(t, 0, ops[0].RetryCount)

	after := e.record(t, vaultID, "c1")
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("record changed (-before +after):\n%s", diff)
	}

	_, err = e.c.Deliver(ctx, vaultID)
	assert.ErrorIs(t, err, common.ErrVaultLocked)
}

func TestDeliver_CreateLinksRecord(t *testing.T) {
	e := setup(t, fastKdf())
	ctx := context.Background()
	vaultID := e.login(t)

	rec := loginRecord("r1", "New", "bob", "pw")
	rec.Remote = &models.RemoteLink{VaultID: vaultID, IsLocallyModified: true}
	require.NoError(t, e.repos.Records(e.db).Upsert(ctx, rec))
	snap, err := rec.Snapshot()
	require.NoError(t, err)
	payload, err := snap.Marshal()
	require.NoError(t, err)
	_, err = e.q.Enqueue(ctx, e.db, &models.PendingOperation{
		VaultID: vaultID, RecordID: rec.ID, Kind: models.OpCreate,
		Target: models.TargetCipher, RecordKind: models.KindLogin, Payload: payload,
	})
	require.NoError(t, err)

	sub, cancel := e.c.Subscribe()
	defer cancel()

	res, err := e.c.Deliver(ctx, vaultID)
	require.NoError(t, err)
	assert.Equal(t, queue.DrainResult{Delivered: 1}, res)

	linked := e.record(t, vaultID, "new-1")
	assert.Equal(t, "r1", linked.ID)
	assert.False(t, linked.IsLocallyModified())

	// What was pushed decrypts back to the same content.
	dr, err := decoder.Decode(e.remote.ciphers[0], e.remote.keys)
	require.NoError(t, err)
	assert.True(t, models.SameContent(rec, dr.Record))

	waitFor(t, sub, func(ev events.Event) bool {
		return ev.Type == events.OperationDelivered && ev.VaultID == vaultID
	})
}

func TestSync_EmptyVaultProtection(t *testing.T) {
	e := setup(t, fastKdf())
	ctx := context.Background()
	e.remote.addLogin(t, "c1", "GitHub", "octo", "v1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))

	vaultID := e.login(t)
	_, err := e.c.Sync(ctx, vaultID, SyncOptions{})
	require.NoError(t, err)

	e.remote.ciphers = nil
	_, err = e.c.Sync(ctx, vaultID, SyncOptions{Force: true})
	require.ErrorIs(t, err, common.ErrEmptyVaultBlocked)
	e.record(t, vaultID, "c1")

	res, err := e.c.Sync(ctx, vaultID, SyncOptions{Force: true, AllowEmpty: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts.Deleted)
	_, err = e.repos.Records(e.db).GetByRemoteID(ctx, vaultID, "c1")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSync_SkipsUnchangedRevision(t *testing.T) {
	e := setup(t, fastKdf())
	ctx := context.Background()
	e.remote.addLogin(t, "c1", "GitHub", "octo", "v1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))

	vaultID := e.login(t)
	_, err := e.c.Sync(ctx, vaultID, SyncOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, e.remote.fetches)

	res, err := e.c.Sync(ctx, vaultID, SyncOptions{})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, e.remote.fetches)

	_, err = e.c.Sync(ctx, vaultID, SyncOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, e.remote.fetches)
}

func TestSync_FolderFilter(t *testing.T) {
	e := setup(t, fastKdf(), func(o *Options) { o.ExcludeFolders = []string{"Archive/**"} })
	ctx := context.Background()
	rev := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	name, err := decoder.EncodeFolderName("Archive/2019", e.remote.keys)
	require.NoError(t, err)
	e.remote.folders = []transport.Folder{{ID: "f1", Name: name, RevisionDate: rev}}
	e.remote.addLogin(t, "c1", "GitHub", "octo", "v1", rev)
	e.remote.addLogin(t, "c2", "Old", "octo", "v0", rev)
	e.remote.ciphers[1].FolderID = "f1"

	vaultID := e.login(t)
	res, err := e.c.Sync(ctx, vaultID, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts.Inserted)
	assert.Equal(t, 1, res.Folders)

	_, err = e.repos.Records(e.db).GetByRemoteID(ctx, vaultID, "c2")
	assert.ErrorIs(t, err, common.ErrNotFound)

	folders, err := e.c.Folders(ctx, vaultID)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "Archive/2019", folders[0].Name.Value)
}

func TestSync_RequiresUnlocked(t *testing.T) {
	e := setup(t, fastKdf())
	ctx := context.Background()
	vaultID := e.login(t)

	require.NoError(t, e.c.Lock(ctx, vaultID))
	_, err := e.c.Sync(ctx, vaultID, SyncOptions{})
	assert.ErrorIs(t, err, common.ErrVaultLocked)

	_, err = e.c.Sync(ctx, "missing", SyncOptions{})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSync_InProgress(t *testing.T) {
	e := setup(t, fastKdf())
	vaultID := e.login(t)

	vs, ok := e.c.lookup(vaultID)
	require.True(t, ok)
	vs.syncMu.Lock()
	defer vs.syncMu.Unlock()

	_, err := e.c.Sync(context.Background(), vaultID, SyncOptions{})
	assert.ErrorIs(t, err, common.ErrSyncInProgress)
}

func TestUnlock(t *testing.T) {
	e := setup(t, fastKdf())
	ctx := context.Background()
	vaultID := e.login(t)
	require.NoError(t, e.c.Lock(ctx, vaultID))
	assert.Equal(t, Locked, e.c.State(vaultID))

	err := e.c.Unlock(ctx, vaultID, []byte("wrong"))
	require.ErrorIs(t, err, common.ErrInvalidCredentials)
	assert.Equal(t, Locked, e.c.State(vaultID))

	require.NoError(t, e.c.Unlock(ctx, vaultID, []byte(testPassword)))
	assert.Equal(t, Unlocked, e.c.State(vaultID))

	v, err := e.repos.Vaults(e.db).GetByID(ctx, vaultID)
	require.NoError(t, err)
	assert.False(t, v.IsLocked)
}

func TestUnlock_InProgressAndCancelled(t *testing.T) {
	e := setup(t, fastKdf())
	ctx := context.Background()
	vaultID := e.login(t)
	require.NoError(t, e.c.Lock(ctx, vaultID))

	vs := e.c.session(vaultID)
	vs.unlockMu.Lock()
	err := e.c.Unlock(ctx, vaultID, []byte(testPassword))
	assert.ErrorIs(t, err, common.ErrUnlockInProgress)
	vs.unlockMu.Unlock()

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err = e.c.Unlock(cctx, vaultID, []byte(testPassword))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Locked, e.c.State(vaultID))
	assert.Nil(t, vs.unlocked())
}

func TestNew_RestoresLockedVaults(t *testing.T) {
	e := setup(t, fastKdf())
	vaultID := e.login(t)

	c2 := e.controller(t)
	assert.Equal(t, Locked, c2.State(vaultID))
	assert.Equal(t, LoggedOut, c2.State("unknown"))

	require.NoError(t, c2.Unlock(context.Background(), vaultID, []byte(testPassword)))
	assert.Equal(t, Unlocked, c2.State(vaultID))
}

func TestLogin_WrongPassword(t *testing.T) {
	e := setup(t, fastKdf())
	_, err := e.c.Login(context.Background(), LoginRequest{Email: testEmail, Password: []byte("nope"), ServerURL: testServer})
	assert.ErrorIs(t, err, common.ErrInvalidCredentials)

	_, err = e.c.Login(context.Background(), LoginRequest{Email: testEmail, ServerURL: testServer})
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestTwoFactor(t *testing.T) {
	e := setup(t, fastKdf())
	ctx := context.Background()
	e.remote.twoFactor = []transport.TwoFactorProvider{transport.ProviderAuthenticator}
	e.remote.code = "123456"

	out, err := e.c.Login(ctx, LoginRequest{Email: testEmail, Password: []byte(testPassword), ServerURL: testServer})
	require.NoError(t, err)
	tf, ok := out.(TwoFactorRequired)
	require.True(t, ok)
	assert.Equal(t, []transport.TwoFactorProvider{transport.ProviderAuthenticator}, tf.Providers)

	_, err = e.c.CompleteTwoFactor(ctx, tf.ChallengeID, transport.ProviderEmail, "123456", false)
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = e.c.CompleteTwoFactor(ctx, tf.ChallengeID, transport.ProviderAuthenticator, "000000", false)
	assert.ErrorIs(t, err, common.ErrTwoFactorInvalid)

	vaultID, err := e.c.CompleteTwoFactor(ctx, tf.ChallengeID, transport.ProviderAuthenticator, "123456", false)
	require.NoError(t, err)
	assert.Equal(t, Unlocked, e.c.State(vaultID))

	_, err = e.c.CompleteTwoFactor(ctx, tf.ChallengeID, transport.ProviderAuthenticator, "123456", false)
	assert.ErrorIs(t, err, common.ErrTwoFactorExpired)
}

func TestTwoFactor_ExpiresAndCancels(t *testing.T) {
	e := setup(t, fastKdf(), func(o *Options) { o.TwoFactorTimeout = 20 * time.Millisecond })
	ctx := context.Background()
	e.remote.twoFactor = []transport.TwoFactorProvider{transport.ProviderEmail}
	e.remote.code = "42"

	out, err := e.c.Login(ctx, LoginRequest{Email: testEmail, Password: []byte(testPassword), ServerURL: testServer})
	require.NoError(t, err)
	tf := out.(TwoFactorRequired)

	assert.Eventually(t, func() bool { return e.c.takeChallenge(tf.ChallengeID, false) == nil }, time.Second, 5*time.Millisecond)
	_, err = e.c.CompleteTwoFactor(ctx, tf.ChallengeID, transport.ProviderEmail, "42", false)
	assert.ErrorIs(t, err, common.ErrTwoFactorExpired)

	e.c.opts.TwoFactorTimeout = time.Minute
	out, err = e.c.Login(ctx, LoginRequest{Email: testEmail, Password: []byte(testPassword), ServerURL: testServer})
	require.NoError(t, err)
	tf = out.(TwoFactorRequired)
	require.NoError(t, e.c.CancelTwoFactor(tf.ChallengeID))
	assert.ErrorIs(t, e.c.CancelTwoFactor(tf.ChallengeID), common.ErrTwoFactorExpired)
}

func TestLogout(t *testing.T) {
	e := setup(t, fastKdf())
	ctx := context.Background()
	e.remote.addLogin(t, "c1", "GitHub", "octo", "v1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
	vaultID := e.login(t)
	_, err := e.c.Sync(ctx, vaultID, SyncOptions{})
	require.NoError(t, err)

	require.NoError(t, e.c.Logout(ctx, vaultID, false))
	assert.Equal(t, LoggedOut, e.c.State(vaultID))
	v, err := e.repos.Vaults(e.db).GetByID(ctx, vaultID)
	require.NoError(t, err)
	assert.False(t, v.HasCredentials())
	e.record(t, vaultID, "c1")
	assert.ErrorIs(t, e.c.Unlock(ctx, vaultID, []byte(testPassword)), common.ErrInvalidState)

	require.NoError(t, e.c.Logout(ctx, vaultID, true))
	_, err = e.repos.Vaults(e.db).GetByID(ctx, vaultID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	recs, err := e.repos.Records(e.db).ListByVault(ctx, vaultID)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSyncAll(t *testing.T) {
	e := setup(t, fastKdf())
	ctx := context.Background()
	e.remote.addLogin(t, "c1", "GitHub", "octo", "v1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
	vaultID := e.login(t)

	results, err := e.c.SyncAll(ctx, SyncOptions{})
	require.NoError(t, err)
	require.Contains(t, results, vaultID)
	assert.Equal(t, 1, results[vaultID].Counts.Inserted)

	e.remote.fetchErr = fmt.Errorf("boom: %w", common.ErrNetwork)
	_, err = e.c.SyncAll(ctx, SyncOptions{Force: true})
	assert.ErrorIs(t, err, common.ErrNetwork)
}

func TestObservation(t *testing.T) {
	e := setup(t, fastKdf())
	ctx := context.Background()
	vaultID := e.login(t)

	vaults, err := e.c.Vaults(ctx)
	require.NoError(t, err)
	require.Len(t, vaults, 1)
	assert.Equal(t, Unlocked, vaults[0].State)
	assert.Empty(t, vaults[0].Vault.AccessToken)
	assert.Empty(t, vaults[0].Vault.WrappedEncKey)

	ops, err := e.c.PendingOperations(ctx, operations.Filter{VaultID: vaultID})
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func mustPayload(t *testing.T, s *models.Snapshot) models.Payload {
	t.Helper()
	require.NotNil(t, s)
	p, err := s.Payload.Unwrap()
	require.NoError(t, err)
	return p
}

func waitFor(t *testing.T, ch <-chan events.Event, match func(events.Event) bool) {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if match(ev) {
				return
			}
		case <-timeout:
			t.Fatal("event not observed")
		}
	}
}

// blockUntilCancelled returns a hook that reports its first call on started
// and then holds the call until its context is cancelled.
func blockUntilCancelled(started chan<- struct{}) func(context.Context) error {
	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	}
}

func awaitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("pass still running after lock")
		return nil
	}
}

func TestLock_CancelsRunningSync(t *testing.T) {
	e := setup(t, fastKdf())
	ctx := context.Background()
	r1 := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	e.remote.addLogin(t, "c1", "GitHub", "octo", "v1", r1)

	vaultID := e.login(t)
	_, err := e.c.Sync(ctx, vaultID, SyncOptions{})
	require.NoError(t, err)
	before := e.record(t, vaultID, "c1")
	e.remote.replaceLogin(t, "c1", "GitHub", "octo", "v2", r1.Add(time.Hour))

	started := make(chan struct{})
	e.remote.onFetch = blockUntilCancelled(started)
	errc := make(chan error, 1)
	go func() {
		_, err := e.c.Sync(ctx, vaultID, SyncOptions{Force: true})
		errc <- err
	}()
	<-started

	require.NoError(t, e.c.Lock(ctx, vaultID))
	assert.ErrorIs(t, awaitErr(t, errc), common.ErrVaultLocked)
	assert.Equal(t, Locked, e.c.State(vaultID))

	after := e.record(t, vaultID, "c1")
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("record changed (-before +after):\n%s", diff)
	}
	assert.Equal(t, "v1", after.Payload.(models.Login).Password.Value)
}

func TestLock_CancelsRunningDelivery(t *testing.T) {
	e := setup(t, fastKdf())
	ctx := context.Background()
	e.remote.addLogin(t, "c1", "GitHub", "octo", "v1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))

	vaultID := e.login(t)
	_, err := e.c.Sync(ctx, vaultID, SyncOptions{})
	require.NoError(t, err)
	rec := e.record(t, vaultID, "c1")
	e.editLocally(t, rec, "offline")

	started := make(chan struct{})
	e.remote.onUpdate = blockUntilCancelled(started)
	errc := make(chan error, 1)
	go func() {
		_, err := e.c.Deliver(ctx, vaultID)
		errc <- err
	}()
	<-started

	require.NoError(t, e.c.Lock(ctx, vaultID))
	assert.ErrorIs(t, awaitErr(t, errc), common.ErrVaultLocked)
	assert.Equal(t, Locked, e.c.State(vaultID))
	assert.Equal(t, 0, e.remote.updates)

	ops := e.activeOps(t, rec.ID)
	require.Len(t, ops, 1)
	assert.Equal(t, models.StatusPending, ops[0].Status)
	assert.Equal(t, 0, ops[0].RetryCount)
}

func TestKeysLost(t *testing.T) {
	keys := cryptox.GenerateSessionKeys()
	assert.False(t, keysLost(keys, nil))
	assert.False(t, keysLost(keys, []decoder.Failure{{RemoteID: "c1", Field: "name", Err: common.ErrCrypto}}))
	assert.True(t, keysLost(keys, []decoder.Failure{{RemoteID: "c1", Field: "name", Err: fmt.Errorf("decrypt: %w", cryptox.ErrKeysCleared)}}))

	keys.Clear()
	assert.True(t, keysLost(keys, nil))
}

func TestSync_UnreadableServerValueKeepsLocal(t *testing.T) {
	e := setup(t, fastKdf())
	ctx := context.Background()
	r1 := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	e.remote.addLogin(t, "c1", "GitHub", "octo", "v1", r1)

	vaultID := e.login(t)
	_, err := e.c.Sync(ctx, vaultID, SyncOptions{})
	require.NoError(t, err)

	foreign, err := cryptox.GenerateSessionKeys().EncryptString("unreadable")
	require.NoError(t, err)
	c := e.remote.encodeLogin(t, "GitHub (renamed)", "octo", "ignored")
	c.ID = "c1"
	c.RevisionDate = r1.Add(time.Hour)
	c.Login.Password = foreign
	e.remote.mu.Lock()
	e.remote.ciphers[0] = c
	e.remote.mu.Unlock()

	res, err := e.c.Sync(ctx, vaultID, SyncOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, merge.Counts{Overwritten: 1}, res.Counts)
	assert.NotEmpty(t, res.Failures)

	after := e.record(t, vaultID, "c1")
	assert.Equal(t, "GitHub (renamed)", after.Title.Value)
	assert.Equal(t, models.Text("v1"), after.Payload.(models.Login).Password)
}

func TestSync_EditAfterDeliveredPush(t *testing.T) {
	e := setup(t, fastKdf())
	ctx := context.Background()
	e.remote.addLogin(t, "c1", "GitHub", "octo", "v1", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))

	vaultID := e.login(t)
	_, err := e.c.Sync(ctx, vaultID, SyncOptions{})
	require.NoError(t, err)

	e.editLocally(t, e.record(t, vaultID, "c1"), "first")
	dr, err := e.c.Deliver(ctx, vaultID)
	require.NoError(t, err)
	require.Equal(t, 1, dr.Delivered)

	pushed := e.record(t, vaultID, "c1")
	assert.True(t, e.remote.now.Equal(pushed.Remote.RevisionDate))
	e.editLocally(t, pushed, "second")

	res, err := e.c.Sync(ctx, vaultID, SyncOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Counts.Conflicts)
	assert.Equal(t, 1, res.Counts.Unchanged)

	open, err := e.c.Conflicts(ctx, vaultID, true)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, "second", e.record(t, vaultID, "c1").Payload.(models.Login).Password.Value)
}

func stateEvent(vaultID string, st State) func(events.Event) bool {
	return func(ev events.Event) bool {
		return ev.Type == events.StateChanged && ev.VaultID == vaultID && ev.Detail == st.String()
	}
}

func TestLogin_NewAccountPassesThroughPendingStates(t *testing.T) {
	e := setup(t, fastKdf())
	ctx := context.Background()
	e.remote.twoFactor = []transport.TwoFactorProvider{transport.ProviderAuthenticator}
	e.remote.code = "123456"

	sub, cancel := e.c.Subscribe()
	defer cancel()

	out, err := e.c.Login(ctx, LoginRequest{Email: testEmail, Password: []byte(testPassword), ServerURL: testServer})
	require.NoError(t, err)
	tf := out.(TwoFactorRequired)
	require.NotEmpty(t, tf.VaultID)
	assert.Equal(t, TwoFactorPending, e.c.State(tf.VaultID))
	waitFor(t, sub, stateEvent(tf.VaultID, Authenticating))
	waitFor(t, sub, stateEvent(tf.VaultID, TwoFactorPending))

	vaultID, err := e.c.CompleteTwoFactor(ctx, tf.ChallengeID, transport.ProviderAuthenticator, "123456", false)
	require.NoError(t, err)
	assert.Equal(t, tf.VaultID, vaultID)
	assert.Equal(t, Unlocked, e.c.State(vaultID))
	waitFor(t, sub, stateEvent(vaultID, Unlocked))
}

func TestLogin_NewAccountAbandoned(t *testing.T) {
	e := setup(t, fastKdf())
	ctx := context.Background()
	e.remote.twoFactor = []transport.TwoFactorProvider{transport.ProviderEmail}
	e.remote.code = "42"

	out, err := e.c.Login(ctx, LoginRequest{Email: testEmail, Password: []byte(testPassword), ServerURL: testServer})
	require.NoError(t, err)
	tf := out.(TwoFactorRequired)
	require.NoError(t, e.c.CancelTwoFactor(tf.ChallengeID))

	assert.Equal(t, LoggedOut, e.c.State(tf.VaultID))
	_, known := e.c.lookup(tf.VaultID)
	assert.False(t, known)

	sub, cancel := e.c.Subscribe()
	defer cancel()
	e.remote.twoFactor = nil
	_, err = e.c.Login(ctx, LoginRequest{Email: testEmail, Password: []byte("wrong"), ServerURL: testServer})
	require.ErrorIs(t, err, common.ErrInvalidCredentials)

	var reserved string
	waitFor(t, sub, func(ev events.Event) bool {
		if ev.Type == events.StateChanged && ev.Detail == Authenticating.String() {
			reserved = ev.VaultID
			return true
		}
		return false
	})
	waitFor(t, sub, stateEvent(reserved, LoggedOut))
	_, known = e.c.lookup(reserved)
	assert.False(t, known)
}

func TestClose_ClosesOwnedBroker(t *testing.T) {
	e := setup(t, fastKdf())

	owned := e.controller(t)
	ch, _ := owned.Subscribe()
	owned.Close()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	shared := events.NewBroker()
	defer shared.Close()
	borrowed := e.controller(t, func(o *Options) { o.Events = shared })
	borrowed.Close()

	sub, cancel := shared.Subscribe()
	defer cancel()
	shared.Publish(events.Event{Type: events.SyncStarted, VaultID: "v1"})
	waitFor(t, sub, func(ev events.Event) bool { return ev.VaultID == "v1" })
}
