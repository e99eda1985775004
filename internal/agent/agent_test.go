package agent

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/JoyinJoester/Monica-sub008/internal/client/events"
	"github.com/JoyinJoester/Monica-sub008/internal/client/merge"
	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/client/queue"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/operations"
	"github.com/JoyinJoester/Monica-sub008/internal/client/session"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
)

type fakeEngine struct {
	mu       sync.Mutex
	broker   *events.Broker
	vaults   []session.VaultStatus
	locked   []string
	resolved map[string]models.Resolution
	syncs    int
	delivers int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		broker: events.NewBroker(),
		vaults: []session.VaultStatus{
			{Vault: &models.Vault{ID: "v1", Email: "a@b.c", SyncEnabled: true}, State: session.Unlocked},
			{Vault: &models.Vault{ID: "v2", Email: "d@e.f", SyncEnabled: true}, State: session.Locked},
		},
		resolved: map[string]models.Resolution{},
	}
}

func (f *fakeEngine) Vaults(context.Context) ([]session.VaultStatus, error) {
	return f.vaults, nil
}

func (f *fakeEngine) Sync(_ context.Context, vaultID string, _ session.SyncOptions) (*session.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vaultID == "v2" {
		return nil, common.ErrVaultLocked
	}
	f.syncs++
	return &session.SyncResult{VaultID: vaultID, Counts: merge.Counts{Inserted: 2, Overwritten: 1}}, nil
}

func (f *fakeEngine) SyncAll(ctx context.Context, opts session.SyncOptions) (map[string]*session.SyncResult, error) {
	res, err := f.Sync(ctx, "v1", opts)
	if err != nil {
		return nil, err
	}
	return map[string]*session.SyncResult{"v1": res}, nil
}

func (f *fakeEngine) Deliver(context.Context, string) (queue.DrainResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivers++
	return queue.DrainResult{Delivered: 1}, nil
}

func (f *fakeEngine) Lock(_ context.Context, vaultID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = append(f.locked, vaultID)
	return nil
}

func (f *fakeEngine) LockAll(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = append(f.locked, "*")
}

func (f *fakeEngine) Conflicts(context.Context, string, bool) ([]*models.ConflictRecord, error) {
	return []*models.ConflictRecord{{ID: "c1"}}, nil
}

func (f *fakeEngine) PendingOperations(context.Context, operations.Filter) ([]*models.PendingOperation, error) {
	return []*models.PendingOperation{
		{ID: "o1", Status: models.StatusPending},
		{ID: "o2", Status: models.StatusFailed},
		{ID: "o3", Status: models.StatusCompleted},
	}, nil
}

func (f *fakeEngine) ResolveConflict(_ context.Context, id string, r models.Resolution) error {
	if id != "c1" {
		return common.ErrNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved[id] = r
	return nil
}

func (f *fakeEngine) RetryOperation(context.Context, string) error {
	return common.ErrInvalidState
}

func (f *fakeEngine) DiscardOperation(context.Context, string) error {
	return nil
}

func (f *fakeEngine) Subscribe() (<-chan events.Event, func()) {
	return f.broker.Subscribe()
}

type harness struct {
	engine    *fakeEngine
	client    *Client
	tokenFile string
	dialer    grpc.DialOption
}

func start(t *testing.T) *harness {
	t.Helper()
	h := &harness{engine: newFakeEngine(), tokenFile: filepath.Join(t.TempDir(), "agent.token")}
	t.Cleanup(h.engine.broker.Close)

	srv, err := NewServer(h.engine, Options{TokenFile: h.tokenFile})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h.dialer = grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})

	var token string
	require.Eventually(t, func() bool {
		token, err = ReadTokenFile(h.tokenFile)
		return err == nil && token != ""
	}, time.Second, 10*time.Millisecond)

	h.client, err = Dial("passthrough:///bufnet", token, h.dialer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.client.Close() })
	return h
}

func TestTokenFileIsPrivate(t *testing.T) {
	h := start(t)
	info, err := os.Stat(h.tokenFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStatus(t *testing.T) {
	h := start(t)
	st, err := h.client.Status(context.Background())
	require.NoError(t, err)

	vaults := st.GetFields()["vaults"].GetListValue().GetValues()
	require.Len(t, vaults, 2)
	first := vaults[0].GetStructValue().GetFields()
	assert.Equal(t, "v1", first["id"].GetStringValue())
	assert.Equal(t, "unlocked", first["state"].GetStringValue())
	assert.Equal(t, float64(1), first["open_conflicts"].GetNumberValue())
	assert.Equal(t, float64(1), first["pending_ops"].GetNumberValue())
	assert.Equal(t, float64(1), first["failed_ops"].GetNumberValue())
	assert.Equal(t, "locked", vaults[1].GetStructValue().GetFields()["state"].GetStringValue())
}

func TestRejectsBadToken(t *testing.T) {
	h := start(t)

	c, err := Dial("passthrough:///bufnet", "forged", h.dialer)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Status(context.Background())
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewSecret()
	require.NoError(t, err)
	token, err := GenerateToken(other, time.Minute)
	require.NoError(t, err)
	c2, err := Dial("passthrough:///bufnet", token, h.dialer)
	require.NoError(t, err)
	defer c2.Close()
	assert.ErrorIs(t, c2.LockAll(context.Background()), ErrInvalidToken)
}

func TestSyncPass(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	st, err := h.client.Sync(ctx, "")
	require.NoError(t, err)
	v1 := st.GetFields()["vaults"].GetStructValue().GetFields()["v1"].GetStructValue().GetFields()
	assert.Equal(t, float64(2), v1["inserted"].GetNumberValue())
	assert.Equal(t, float64(1), v1["delivered"].GetNumberValue())
	assert.NotContains(t, st.GetFields()["vaults"].GetStructValue().GetFields(), "v2")

	_, err = h.client.Sync(ctx, "v2")
	assert.ErrorIs(t, err, common.ErrInvalidState)
}

func TestCommands(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	require.NoError(t, h.client.Lock(ctx, "v1"))
	require.NoError(t, h.client.LockAll(ctx))
	assert.ErrorIs(t, h.client.Lock(ctx, ""), common.ErrValidation)
	assert.Equal(t, []string{"v1", "*"}, h.engine.locked)

	require.NoError(t, h.client.ResolveConflict(ctx, "c1", models.ResolutionKeptLocal))
	assert.Equal(t, models.ResolutionKeptLocal, h.engine.resolved["c1"])
	assert.ErrorIs(t, h.client.ResolveConflict(ctx, "nope", models.ResolutionKeptServer), common.ErrNotFound)

	assert.ErrorIs(t, h.client.RetryOperation(ctx, "o1"), common.ErrInvalidState)
	assert.NoError(t, h.client.DiscardOperation(ctx, "o1"))
}

func TestEvents(t *testing.T) {
	h := start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *structpb.Struct, 1)
	done := make(chan error, 1)
	go func() {
		done <- h.client.Events(ctx, func(ev *structpb.Struct) error {
			got <- ev
			cancel()
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return h.engine.broker.SubscriberCount() == 1
	}, time.Second, 10*time.Millisecond)
	h.engine.broker.Publish(events.Event{Type: events.SyncCompleted, VaultID: "v1", Detail: "inserted=1"})

	select {
	case ev := <-got:
		assert.Equal(t, "sync_completed", ev.GetFields()["type"].GetStringValue())
		assert.Equal(t, "v1", ev.GetFields()["vault_id"].GetStringValue())
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	assert.NoError(t, <-done)
}

func TestVerifyToken(t *testing.T) {
	secret, err := NewSecret()
	require.NoError(t, err)

	token, err := GenerateToken(secret, time.Minute)
	require.NoError(t, err)
	assert.NoError(t, VerifyToken(token, secret))

	expired, err := GenerateToken(secret, -time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, VerifyToken(expired, secret), ErrInvalidToken)
}
