package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/harmony/internal/chronicle"
	"github.com/dmitrijs2005/harmony/internal/common"
	"github.com/dmitrijs2005/harmony/internal/correlation"
	"github.com/dmitrijs2005/harmony/internal/delta"
	"github.com/dmitrijs2005/harmony/internal/kinds"
	"github.com/dmitrijs2005/harmony/internal/logging"
	"github.com/dmitrijs2005/harmony/internal/models"
	"github.com/dmitrijs2005/harmony/internal/repositories/repomanager"
	"github.com/dmitrijs2005/harmony/internal/testutil"
	"github.com/dmitrijs2005/harmony/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *correlation.Store
	log      *chronicle.Log
	remote   *transport.Memory
	detector *delta.Detector
	rec      *Reconciler
	clock    *testutil.Clock
	account  *models.ServiceAccount
	coll     *models.Collection
}

func newFixture(t *testing.T, policy models.ConflictPolicy) *fixture {
	t.Helper()
	ctx := context.Background()
	s := testutil.NewStore(t)
	repos := repomanager.NewSQLRepositoryManager(s.Dialect)
	log := chronicle.NewLog(s.DB, repos, logging.NewNopLogger())
	cs := correlation.NewStore(s.DB, repos, log, logging.NewNopLogger())
	clk := testutil.NewClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	mem := transport.NewMemory()
	remoteID := mem.AddCollection(models.EntityTypeContact, "Personal")

	acc := &models.ServiceAccount{
		ID: "acc-1", UserID: "u1", Enabled: true, Connected: true,
		Settings: map[models.EntityType]models.TypeSettings{
			models.EntityTypeContact: {Mode: models.SyncModeLive, Policy: policy},
		},
	}
	require.NoError(t, cs.CreateAccount(ctx, acc))
	c := &models.Collection{ID: "c1", AccountID: acc.ID, EntityType: models.EntityTypeContact, UUID: "cu1", RemoteID: remoteID, Enabled: true}
	require.NoError(t, cs.UpsertCollection(ctx, c))

	return &fixture{
		store:    cs,
		log:      log,
		remote:   mem,
		detector: delta.NewDetector(cs, kinds.Default(), time.Second, logging.NewNopLogger()),
		rec:      New(cs, log, kinds.Default(), logging.NewNopLogger(), WithClock(clk.Now), WithTimeout(time.Second)),
		clock:    clk,
		account:  acc,
		coll:     c,
	}
}

func card(name string) json.RawMessage {
	return json.RawMessage(`{"@type":"Card","name":{"full":"` + name + `"}}`)
}

func sig(t *testing.T, payload json.RawMessage) string {
	t.Helper()
	content, err := kinds.Contact().ApplyRemote(payload)
	require.NoError(t, err)
	return kinds.Contact().Signature(content)
}

func (f *fixture) cycle(t *testing.T) *Report {
	t.Helper()
	ctx := context.Background()
	res, err := f.detector.Detect(ctx, f.coll, f.remote)
	require.NoError(t, err)
	rep, err := f.rec.Apply(ctx, f.account, res, f.remote)
	require.NoError(t, err)
	return rep
}

func (f *fixture) records(t *testing.T) []*models.ChronicleRecord {
	t.Helper()
	d, err := f.log.Since(context.Background(), f.coll.ID, "", 1000)
	require.NoError(t, err)
	return d.Records
}

func (f *fixture) entity(t *testing.T, remoteID string) *models.Entity {
	t.Helper()
	e, err := f.store.GetEntityByRemoteID(context.Background(), f.coll.ID, remoteID)
	require.NoError(t, err)
	return e
}

func (f *fixture) edit(t *testing.T, e *models.Entity, payload json.RawMessage) {
	t.Helper()
	_, err := f.rec.ApplyLocal(context.Background(), f.account.ID, f.coll,
		LocalChange{Operation: models.OperationUpdate, UUID: e.UUID, Content: payload})
	require.NoError(t, err)
}

// seeded pulls one remote contact so that both sides agree on it.
func (f *fixture) seeded(t *testing.T, name string) (string, *models.Entity) {
	t.Helper()
	rid := f.remote.Put(f.coll.RemoteID, "", card(name))
	rep := f.cycle(t)
	require.Equal(t, 1, rep.Pulled)
	return rid, f.entity(t, rid)
}

func TestApply_RemoteOnlyPull(t *testing.T) {
	f := newFixture(t, models.PolicyLocalWins)
	rid, e := f.seeded(t, "A")

	assert.Equal(t, sig(t, card("A")), e.Signature)
	assert.Equal(t, e.Signature, e.LastRemoteSignature)
	require.Len(t, f.records(t), 1)
	assert.Equal(t, models.OperationCreate, f.records(t)[0].Operation)

	f.remote.Put(f.coll.RemoteID, rid, card("B"))
	rep := f.cycle(t)
	assert.Equal(t, 1, rep.Pulled)
	assert.Equal(t, 0, rep.Pushed)

	e = f.entity(t, rid)
	assert.Equal(t, sig(t, card("B")), e.Signature)
	assert.Equal(t, sig(t, card("B")), e.LastRemoteSignature)

	recs := f.records(t)
	require.Len(t, recs, 2)
	assert.Equal(t, models.OperationUpdate, recs[1].Operation)
	assert.Equal(t, e.ID, recs[1].EntityID)
}

func TestApply_LocalOnlyPush(t *testing.T) {
	f := newFixture(t, models.PolicyLocalWins)
	rid, e := f.seeded(t, "A")

	f.edit(t, e, card("A2"))
	before := len(f.records(t))

	rep := f.cycle(t)
	assert.Equal(t, 1, rep.Pushed)
	assert.Equal(t, 0, rep.Pulled)

	got, ok := f.remote.Get(f.coll.RemoteID, rid)
	require.True(t, ok)
	assert.Equal(t, sig(t, card("A2")), sig(t, got))

	e = f.entity(t, rid)
	assert.Equal(t, sig(t, card("A2")), e.LastRemoteSignature)
	assert.Equal(t, e.Signature, e.LastRemoteSignature)
	assert.Len(t, f.records(t), before, "a push changes no local content")
}

func TestApply_LocalCreationIsCreatedRemotely(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.PolicyLocalWins)

	e, err := f.rec.ApplyLocal(ctx, f.account.ID, f.coll, LocalChange{Operation: models.OperationCreate, Content: card("New")})
	require.NoError(t, err)
	assert.Empty(t, e.RemoteID)

	rep := f.cycle(t)
	assert.Equal(t, 1, rep.Pushed)
	assert.Equal(t, 1, f.remote.Count(f.coll.RemoteID))

	got, err := f.store.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.RemoteID)
	assert.Equal(t, got.Signature, got.LastRemoteSignature)
}

func TestApply_EditDuringCreateKeepsRemoteLink(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.PolicyLocalWins)

	e, err := f.rec.ApplyLocal(ctx, f.account.ID, f.coll, LocalChange{Operation: models.OperationCreate, Content: card("New")})
	require.NoError(t, err)
	res, err := f.detector.Detect(ctx, f.coll, f.remote)
	require.NoError(t, err)

	// a local write lands between detection and apply
	f.edit(t, e, card("Newer"))

	rep, err := f.rec.Apply(ctx, f.account, res, f.remote)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 1, f.remote.Count(f.coll.RemoteID))

	got, err := f.store.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.RemoteID)
	assert.Equal(t, sig(t, card("Newer")), got.Signature)
	assert.Equal(t, sig(t, card("New")), got.LastRemoteSignature)

	// the edit goes out as an update of the same object
	rep = f.cycle(t)
	assert.Equal(t, 1, rep.Pushed)
	assert.Zero(t, rep.Pulled)

	rep = f.cycle(t)
	assert.Zero(t, rep.Writes())

	assert.Equal(t, 1, f.remote.Count(f.coll.RemoteID))
	all, err := f.store.GetEntities(ctx, f.coll.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	pushed, ok := f.remote.Get(f.coll.RemoteID, got.RemoteID)
	require.True(t, ok)
	assert.Equal(t, sig(t, card("Newer")), sig(t, pushed))
}

func TestApply_DeleteDuringCreateRemovesRemoteObject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.PolicyLocalWins)

	e, err := f.rec.ApplyLocal(ctx, f.account.ID, f.coll, LocalChange{Operation: models.OperationCreate, Content: card("New")})
	require.NoError(t, err)
	res, err := f.detector.Detect(ctx, f.coll, f.remote)
	require.NoError(t, err)

	_, err = f.rec.ApplyLocal(ctx, f.account.ID, f.coll, LocalChange{Operation: models.OperationDelete, UUID: e.UUID})
	require.NoError(t, err)

	rep, err := f.rec.Apply(ctx, f.account, res, f.remote)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Zero(t, f.remote.Count(f.coll.RemoteID))

	rep = f.cycle(t)
	assert.Zero(t, rep.Writes())
	all, err := f.store.GetEntities(ctx, f.coll.ID)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestApply_ConflictRemoteWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.PolicyRemoteWins)
	rid, e := f.seeded(t, "A")

	f.edit(t, e, card("Local"))
	f.remote.Put(f.coll.RemoteID, rid, card("Remote"))
	before := len(f.records(t))
	writes := f.remote.Writes()

	rep := f.cycle(t)
	assert.Equal(t, 1, rep.Pulled)
	assert.Equal(t, 1, rep.Conflicts)
	assert.Equal(t, writes, f.remote.Writes())

	e = f.entity(t, rid)
	assert.Equal(t, sig(t, card("Remote")), e.Signature)

	recs := f.records(t)
	require.Len(t, recs, before+1)
	assert.Equal(t, models.OperationUpdate, recs[len(recs)-1].Operation)

	conflicts, err := f.store.ListConflicts(ctx, f.account.ID, 10)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.SideRemote, conflicts[0].Winner)
	assert.Equal(t, models.PolicyRemoteWins, conflicts[0].Policy)
	assert.Equal(t, string(ClassConflict), conflicts[0].Classification)
	assert.Equal(t, rid, conflicts[0].RemoteID)
}

func TestApply_ConflictLocalWins(t *testing.T) {
	f := newFixture(t, models.PolicyLocalWins)
	rid, e := f.seeded(t, "A")

	f.edit(t, e, card("Local"))
	f.remote.Put(f.coll.RemoteID, rid, card("Remote"))

	rep := f.cycle(t)
	assert.Equal(t, 1, rep.Pushed)
	assert.Equal(t, 1, rep.Conflicts)

	got, _ := f.remote.Get(f.coll.RemoteID, rid)
	assert.Equal(t, sig(t, card("Local")), sig(t, got))
}

func TestApply_ConflictNewestWins(t *testing.T) {
	f := newFixture(t, models.PolicyNewestWins)
	rid, e := f.seeded(t, "A")

	// local edit stamped at the fixture clock, remote one a day later
	f.edit(t, e, card("Local"))
	newer := json.RawMessage(`{"@type":"Card","name":{"full":"Remote"},"updated":"2026-01-02T12:00:00Z"}`)
	f.remote.Put(f.coll.RemoteID, rid, newer)

	rep := f.cycle(t)
	assert.Equal(t, 1, rep.Pulled)
	assert.Equal(t, sig(t, newer), f.entity(t, rid).Signature)

	// now the local edit is newer
	f.clock.Advance(72 * time.Hour)
	f.edit(t, f.entity(t, rid), card("Local again"))
	older := json.RawMessage(`{"@type":"Card","name":{"full":"Remote again"},"updated":"2026-01-03T00:00:00Z"}`)
	f.remote.Put(f.coll.RemoteID, rid, older)

	rep = f.cycle(t)
	assert.Equal(t, 1, rep.Pushed)
	got, _ := f.remote.Get(f.coll.RemoteID, rid)
	assert.Equal(t, sig(t, card("Local again")), sig(t, got))
}

func TestApply_RemoteDeletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.PolicyLocalWins)
	rid, e := f.seeded(t, "A")

	f.remote.Remove(f.coll.RemoteID, rid)
	rep := f.cycle(t)
	assert.Equal(t, 1, rep.LocalDeletes)

	_, err := f.store.GetEntity(ctx, e.ID)
	assert.ErrorIs(t, err, common.ErrorNotFound)
	recs := f.records(t)
	assert.Equal(t, models.OperationDelete, recs[len(recs)-1].Operation)
}

func TestApply_PinnedSurvivesRemoteDeletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.PolicyRemoteWins)
	rid, e := f.seeded(t, "A")
	require.NoError(t, f.rec.Pin(ctx, f.coll, e.UUID, true))

	f.remote.Remove(f.coll.RemoteID, rid)
	rep := f.cycle(t)
	assert.Equal(t, 1, rep.Pushed)

	got, err := f.store.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.NotEqual(t, rid, got.RemoteID)
	assert.Equal(t, 1, f.remote.Count(f.coll.RemoteID))
}

func TestApply_EditVersusRemoteDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("local wins recreates", func(t *testing.T) {
		f := newFixture(t, models.PolicyLocalWins)
		rid, e := f.seeded(t, "A")
		f.edit(t, e, card("Edited"))
		f.remote.Remove(f.coll.RemoteID, rid)

		rep := f.cycle(t)
		assert.Equal(t, 1, rep.Pushed)
		assert.Equal(t, 1, rep.Conflicts)
		assert.Equal(t, 1, f.remote.Count(f.coll.RemoteID))
	})

	t.Run("remote wins deletes", func(t *testing.T) {
		f := newFixture(t, models.PolicyRemoteWins)
		rid, e := f.seeded(t, "A")
		f.edit(t, e, card("Edited"))
		f.remote.Remove(f.coll.RemoteID, rid)

		rep := f.cycle(t)
		assert.Equal(t, 1, rep.LocalDeletes)
		_, err := f.store.GetEntity(ctx, e.ID)
		assert.ErrorIs(t, err, common.ErrorNotFound)
	})
}

func TestApply_LocalDeletePushed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.PolicyLocalWins)
	rid, e := f.seeded(t, "A")

	_, err := f.rec.ApplyLocal(ctx, f.account.ID, f.coll, LocalChange{Operation: models.OperationDelete, UUID: e.UUID})
	require.NoError(t, err)

	tomb, err := f.store.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, tomb.Deleted)
	recs := f.records(t)
	assert.Equal(t, models.OperationDelete, recs[len(recs)-1].Operation)
	before := len(recs)

	rep := f.cycle(t)
	assert.Equal(t, 1, rep.RemoteDeletes)
	_, ok := f.remote.Get(f.coll.RemoteID, rid)
	assert.False(t, ok)
	_, err = f.store.GetEntity(ctx, e.ID)
	assert.ErrorIs(t, err, common.ErrorNotFound)
	assert.Len(t, f.records(t), before)
}

func TestApply_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.PolicyLocalWins)
	f.remote.Put(f.coll.RemoteID, "", card("A"))
	f.remote.Put(f.coll.RemoteID, "", card("B"))
	_, err := f.rec.ApplyLocal(ctx, f.account.ID, f.coll, LocalChange{Operation: models.OperationCreate, Content: card("C")})
	require.NoError(t, err)

	first := f.cycle(t)
	assert.Equal(t, 2, first.Pulled)
	assert.Equal(t, 1, first.Pushed)

	records := len(f.records(t))
	writes := f.remote.Writes()
	state := *f.coll

	second := f.cycle(t)
	assert.Zero(t, second.Writes())
	assert.Len(t, f.records(t), records)
	assert.Equal(t, writes, f.remote.Writes())

	third := f.cycle(t)
	assert.Zero(t, third.Writes())
	assert.Equal(t, state.LocalState, f.coll.LocalState)

	stored, err := f.store.GetCollection(ctx, f.coll.ID)
	require.NoError(t, err)
	assert.Equal(t, f.coll.RemoteState, stored.RemoteState)
	assert.Equal(t, f.coll.LocalState, stored.LocalState)
}

func TestApply_RemoteFailureLeavesLocalUntouched(t *testing.T) {
	f := newFixture(t, models.PolicyLocalWins)
	rid, e := f.seeded(t, "A")
	f.edit(t, e, card("A2"))
	before := f.entity(t, rid)

	f.remote.Fail(transport.OpUpdate, errors.New("server exploded"))
	rep := f.cycle(t)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 0, rep.Pushed)
	assert.Equal(t, before, f.entity(t, rid))

	f.remote.Fail(transport.OpUpdate, nil)
	rep = f.cycle(t)
	assert.Equal(t, 1, rep.Pushed)
	assert.Equal(t, sig(t, card("A2")), f.entity(t, rid).LastRemoteSignature)
}

func TestApply_FailedPullKeepsRemoteState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.PolicyLocalWins)
	rid, e := f.seeded(t, "A")
	state := f.coll.RemoteState

	f.remote.Put(f.coll.RemoteID, rid, card("B"))
	res, err := f.detector.Detect(ctx, f.coll, f.remote)
	require.NoError(t, err)

	// a local write lands between detection and apply
	f.edit(t, e, card("Mine"))

	rep, err := f.rec.Apply(ctx, f.account, res, f.remote)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, state, f.coll.RemoteState)
	assert.Equal(t, sig(t, card("Mine")), f.entity(t, rid).Signature)

	// the next cycle sees both changes and resolves them by policy
	rep = f.cycle(t)
	assert.Equal(t, 1, rep.Conflicts)
	assert.Equal(t, 1, rep.Pushed)
}

func TestApply_UnreadableRemoteObjectKeepsRemoteState(t *testing.T) {
	f := newFixture(t, models.PolicyLocalWins)
	rid, _ := f.seeded(t, "A")
	state := f.coll.RemoteState

	f.remote.Put(f.coll.RemoteID, rid, json.RawMessage(`{"@type":"Event"}`))
	rep := f.cycle(t)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, state, f.coll.RemoteState)
	assert.Equal(t, sig(t, card("A")), f.entity(t, rid).Signature)

	// once readable, the object comes through on the held token
	f.remote.Put(f.coll.RemoteID, rid, card("B"))
	rep = f.cycle(t)
	assert.Zero(t, rep.Skipped)
	assert.Equal(t, 1, rep.Pulled)
	assert.Equal(t, sig(t, card("B")), f.entity(t, rid).Signature)
	assert.NotEqual(t, state, f.coll.RemoteState)
}

func TestApply_StopsBetweenEntitiesOnLeaseLoss(t *testing.T) {
	f := newFixture(t, models.PolicyLocalWins)
	f.remote.Put(f.coll.RemoteID, "", card("A"))
	f.remote.Put(f.coll.RemoteID, "", card("B"))

	res, err := f.detector.Detect(context.Background(), f.coll, f.remote)
	require.NoError(t, err)

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(common.ErrLockLost)

	rep, err := f.rec.Apply(ctx, f.account, res, f.remote)
	assert.ErrorIs(t, err, common.ErrLockLost)
	assert.Zero(t, rep.Writes())
	assert.Empty(t, f.records(t))
	assert.Empty(t, f.coll.RemoteState)
}

func TestApply_RejectionAbortsCollection(t *testing.T) {
	f := newFixture(t, models.PolicyLocalWins)
	_, e := f.seeded(t, "A")
	f.edit(t, e, card("A2"))

	f.remote.Fail(transport.OpUpdate, transport.ErrRejected)
	res, err := f.detector.Detect(context.Background(), f.coll, f.remote)
	require.NoError(t, err)
	_, err = f.rec.Apply(context.Background(), f.account, res, f.remote)
	assert.ErrorIs(t, err, common.ErrTransportRejected)
}

func TestApplyLocal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.PolicyLocalWins)

	_, err := f.rec.ApplyLocal(ctx, f.account.ID, f.coll, LocalChange{Operation: models.OperationUpdate, UUID: "nope", Content: card("x")})
	assert.ErrorIs(t, err, common.ErrorNotFound)

	_, err = f.rec.ApplyLocal(ctx, f.account.ID, f.coll, LocalChange{Operation: models.OperationCreate, Content: []byte(`[1]`)})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	e, err := f.rec.ApplyLocal(ctx, f.account.ID, f.coll, LocalChange{Operation: models.OperationCreate, UUID: "u-1", Content: card("x")})
	require.NoError(t, err)
	assert.Equal(t, "u-1", e.UUID)
	assert.Equal(t, f.clock.Now(), e.ModifiedAt)

	_, err = f.rec.ApplyLocal(ctx, f.account.ID, f.coll, LocalChange{Operation: models.OperationCreate, UUID: "u-1", Content: card("y")})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	// identical content is not a change
	_, err = f.rec.ApplyLocal(ctx, f.account.ID, f.coll, LocalChange{Operation: models.OperationUpdate, UUID: "u-1", Content: card("x")})
	require.NoError(t, err)
	assert.Len(t, f.records(t), 1)

	// never pushed: removed outright
	_, err = f.rec.ApplyLocal(ctx, f.account.ID, f.coll, LocalChange{Operation: models.OperationDelete, UUID: "u-1"})
	require.NoError(t, err)
	_, err = f.store.GetEntity(ctx, e.ID)
	assert.ErrorIs(t, err, common.ErrorNotFound)

	recs := f.records(t)
	require.Len(t, recs, 2)
	assert.Equal(t, models.OperationDelete, recs[1].Operation)
}
