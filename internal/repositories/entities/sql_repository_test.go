package entities

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/harmony/internal/common"
	"github.com/dmitrijs2005/harmony/internal/models"
	"github.com/dmitrijs2005/harmony/internal/repositories/accounts"
	"github.com/dmitrijs2005/harmony/internal/repositories/collections"
	"github.com/dmitrijs2005/harmony/internal/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) *SQLRepository {
	t.Helper()
	ctx := context.Background()
	s := testutil.NewStore(t)
	require.NoError(t, accounts.NewSQLRepository(s.DB, s.Dialect).Create(ctx,
		&models.ServiceAccount{ID: "acc-1", UserID: "u1", Enabled: true, Connected: true}))
	require.NoError(t, collections.NewSQLRepository(s.DB, s.Dialect).Create(ctx,
		&models.Collection{ID: "c1", AccountID: "acc-1", EntityType: models.EntityTypeContact, UUID: "cu1", Enabled: true}))
	return NewSQLRepository(s.DB, s.Dialect)
}

func TestUpsertRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	e := &models.Entity{
		ID:           "e1",
		CollectionID: "c1",
		UUID:         "uuid-1",
		Content:      []byte(`{"name":"Ann"}`),
		Signature:    "sig-1",
		ModifiedAt:   time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC),
	}
	require.NoError(t, r.Upsert(ctx, e))

	got, err := r.GetByID(ctx, "e1")
	require.NoError(t, err)
	if diff := cmp.Diff(e, got); diff != "" {
		t.Fatalf("entity mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, got.LocallyChanged())

	e.RemoteID = "R-1"
	e.LastRemoteSignature = "sig-1"
	e.Pinned = true
	require.NoError(t, r.Upsert(ctx, e))

	got, err = r.GetByRemoteID(ctx, "c1", "R-1")
	require.NoError(t, err)
	assert.Equal(t, "e1", got.ID)
	assert.True(t, got.Pinned)
	assert.False(t, got.LocallyChanged())

	got, err = r.GetByUUID(ctx, "c1", "uuid-1")
	require.NoError(t, err)
	assert.Equal(t, "R-1", got.RemoteID)
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	for _, id := range []string{"e2", "e1", "e3"} {
		require.NoError(t, r.Upsert(ctx, &models.Entity{ID: id, CollectionID: "c1", UUID: "u-" + id}))
	}
	require.NoError(t, r.Upsert(ctx, &models.Entity{ID: "e3", CollectionID: "c1", UUID: "u-e3", Deleted: true}))

	list, err := r.ListByCollection(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "e1", list[0].ID)
	assert.True(t, list[2].Deleted)

	require.NoError(t, r.Delete(ctx, "e2"))
	assert.ErrorIs(t, r.Delete(ctx, "e2"), common.ErrorNotFound)
	_, err = r.GetByID(ctx, "e2")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestRemoteIDUniquePerCollection(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	require.NoError(t, r.Upsert(ctx, &models.Entity{ID: "e1", CollectionID: "c1", UUID: "u1", RemoteID: "R"}))
	assert.Error(t, r.Upsert(ctx, &models.Entity{ID: "e2", CollectionID: "c1", UUID: "u2", RemoteID: "R"}))
}
