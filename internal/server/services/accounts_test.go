package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/harmony/internal/common"
	"github.com/dmitrijs2005/harmony/internal/logging"
	"github.com/dmitrijs2005/harmony/internal/models"
	"github.com/dmitrijs2005/harmony/internal/repositories/accounts"
	"github.com/dmitrijs2005/harmony/internal/repositories/repomanager"
	"github.com/dmitrijs2005/harmony/internal/testutil"
	"github.com/dmitrijs2005/harmony/internal/transport/jmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// jsonSealer stores the value as plain JSON.
type jsonSealer struct{ err error }

func (s jsonSealer) Seal(v any) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return json.Marshal(v)
}

type fixture struct {
	svc   *AccountService
	repos repomanager.RepositoryManager
	clock *testutil.Clock
	db    func() accounts.Repository
}

func newFixture(t *testing.T, sealer Sealer) *fixture {
	t.Helper()
	s := testutil.NewStore(t)
	repos := repomanager.NewSQLRepositoryManager(s.Dialect)
	clk := testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	svc := NewAccountService(s.DB, repos, sealer, time.Minute, logging.NewNopLogger())
	svc.now = clk.Now
	return &fixture{
		svc:   svc,
		repos: repos,
		clock: clk,
		db:    func() accounts.Repository { return repos.Accounts(s.DB) },
	}
}

func TestConnect_StoresSealedAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, jsonSealer{})

	cfg := jmap.Config{SessionURL: "https://mail.example/.well-known/jmap", Token: "tok"}
	a, err := f.svc.Connect(ctx, ConnectRequest{UserID: "u1", Connection: cfg})
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)

	got, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.True(t, got.Connected)

	var stored jmap.Config
	require.NoError(t, json.Unmarshal(got.Connection, &stored))
	assert.Equal(t, cfg, stored)

	for _, typ := range models.EntityTypes {
		assert.Equal(t, models.SyncModeCached, got.ModeFor(typ))
		assert.Equal(t, models.PolicyLocalWins, got.PolicyFor(typ))
	}
}

func TestConnect_KeepsGivenSettings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, jsonSealer{})

	a, err := f.svc.Connect(ctx, ConnectRequest{
		UserID:     "u1",
		Connection: jmap.Config{SessionURL: "https://mail.example/jmap"},
		Settings: map[models.EntityType]models.TypeSettings{
			models.EntityTypeEvent: {Mode: models.SyncModeLive, Policy: models.PolicyNewestWins},
		},
	})
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncModeLive, got.ModeFor(models.EntityTypeEvent))
	assert.Equal(t, models.PolicyNewestWins, got.PolicyFor(models.EntityTypeEvent))
	assert.Equal(t, models.SyncModeOff, got.ModeFor(models.EntityTypeContact))
}

func TestConnect_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, jsonSealer{})

	_, err := f.svc.Connect(ctx, ConnectRequest{Connection: jmap.Config{SessionURL: "https://x/jmap"}})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	_, err = f.svc.Connect(ctx, ConnectRequest{UserID: "u1", Connection: jmap.Config{SessionURL: "not a url"}})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	sealErr := errors.New("no key")
	f = newFixture(t, jsonSealer{err: sealErr})
	_, err = f.svc.Connect(ctx, ConnectRequest{UserID: "u1", Connection: jmap.Config{SessionURL: "https://x/jmap"}})
	assert.ErrorIs(t, err, sealErr)
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, jsonSealer{})

	a, err := f.svc.Connect(ctx, ConnectRequest{UserID: "u1", Connection: jmap.Config{SessionURL: "https://x/jmap"}})
	require.NoError(t, err)

	ok, err := f.db().SwapLease(ctx, a.ID,
		accounts.Lease{},
		accounts.Lease{Locked: true, Holder: "H1", Heartbeat: f.clock.Now()})
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, f.svc.Disconnect(ctx, a.ID), common.ErrLockHeld)

	f.clock.Advance(2 * time.Minute)
	require.NoError(t, f.svc.Disconnect(ctx, a.ID))

	_, err = f.svc.Get(ctx, a.ID)
	assert.ErrorIs(t, err, common.ErrorNotFound)
	assert.ErrorIs(t, f.svc.Disconnect(ctx, a.ID), common.ErrorNotFound)
}
