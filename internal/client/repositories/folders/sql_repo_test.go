package folders

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/repotest"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/dbx"
)

func TestUpsert_KeepsLocalIDOnConflict(t *testing.T) {
	r := NewSQLRepository(repotest.NewDB(t), dbx.SQLite)
	ctx := context.Background()

	f := &models.Folder{ID: "local-1", VaultID: "v1", RemoteID: "rf-1", Name: models.Text("Work")}
	require.NoError(t, r.Upsert(ctx, f))

	again := &models.Folder{
		ID:           "local-2",
		VaultID:      "v1",
		RemoteID:     "rf-1",
		Name:         models.Text("Work stuff"),
		CategoryID:   "cat-1",
		RevisionDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, r.Upsert(ctx, again))
	assert.Equal(t, "local-1", again.ID)

	got, err := r.GetByRemoteID(ctx, "v1", "rf-1")
	require.NoError(t, err)
	assert.Equal(t, "local-1", got.ID)
	assert.Equal(t, "Work stuff", got.Name.Value)
	assert.Equal(t, "cat-1", got.CategoryID)
	assert.True(t, again.RevisionDate.Equal(got.RevisionDate))
}

func TestUnavailableNameSurvives(t *testing.T) {
	r := NewSQLRepository(repotest.NewDB(t), dbx.SQLite)
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, &models.Folder{ID: "f", VaultID: "v1", RemoteID: "rf", Name: models.UnavailableField("2.x|y|z")}))

	got, err := r.GetByRemoteID(ctx, "v1", "rf")
	require.NoError(t, err)
	assert.True(t, got.Name.Unavailable)
	assert.Equal(t, "2.x|y|z", got.Name.Cipher)
}

func TestListDelete(t *testing.T) {
	r := NewSQLRepository(repotest.NewDB(t), dbx.SQLite)
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, &models.Folder{ID: "a", VaultID: "v1", RemoteID: "r-b", Name: models.Text("B")}))
	require.NoError(t, r.Upsert(ctx, &models.Folder{ID: "b", VaultID: "v1", RemoteID: "r-a", Name: models.Text("A")}))
	require.NoError(t, r.Upsert(ctx, &models.Folder{ID: "c", VaultID: "v2", RemoteID: "r-c", Name: models.Text("C")}))

	list, err := r.ListByVault(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r-a", list[0].RemoteID)

	require.NoError(t, r.Delete(ctx, "b"))
	_, err = r.GetByRemoteID(ctx, "v1", "r-a")
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, r.DeleteByVault(ctx, "v1"))
	list, err = r.ListByVault(ctx, "v1")
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = r.ListByVault(ctx, "v2")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
