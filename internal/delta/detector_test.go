package delta

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/dmitrijs2005/harmony/internal/chronicle"
	"github.com/dmitrijs2005/harmony/internal/common"
	"github.com/dmitrijs2005/harmony/internal/correlation"
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
	remote   *transport.Memory
	detector *Detector
	coll     *models.Collection
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := testutil.NewStore(t)
	repos := repomanager.NewSQLRepositoryManager(s.Dialect)
	log := chronicle.NewLog(s.DB, repos, logging.NewNopLogger())
	cs := correlation.NewStore(s.DB, repos, log, logging.NewNopLogger())

	mem := transport.NewMemory()
	remoteID := mem.AddCollection(models.EntityTypeContact, "Personal")

	require.NoError(t, cs.CreateAccount(ctx, &models.ServiceAccount{ID: "acc-1", UserID: "u1", Enabled: true, Connected: true}))
	c := &models.Collection{ID: "c1", AccountID: "acc-1", EntityType: models.EntityTypeContact, UUID: "cu1", RemoteID: remoteID, Enabled: true}
	require.NoError(t, cs.UpsertCollection(ctx, c))

	return &fixture{
		store:    cs,
		remote:   mem,
		detector: NewDetector(cs, kinds.Default(), 0, logging.NewNopLogger()),
		coll:     c,
	}
}

func card(name string) json.RawMessage {
	return json.RawMessage(`{"@type":"Card","name":{"full":"` + name + `"}}`)
}

// linked stores an entity that agrees with the remote object remoteID.
func (f *fixture) linked(t *testing.T, id, remoteID string, payload json.RawMessage) *models.Entity {
	t.Helper()
	k := kinds.Contact()
	content, err := k.ApplyRemote(payload)
	require.NoError(t, err)
	sig := k.Signature(content)
	e := &models.Entity{
		ID: id, CollectionID: f.coll.ID, UUID: "uuid-" + id, Content: content,
		Signature: sig, RemoteID: remoteID, LastRemoteSignature: sig,
	}
	require.NoError(t, f.store.UpsertEntity(context.Background(), e, "acc-1", ""))
	return e
}

func TestDetect_UnlinkedCollection(t *testing.T) {
	f := newFixture(t)
	_, err := f.detector.Detect(context.Background(), &models.Collection{ID: "x", EntityType: models.EntityTypeContact}, f.remote)
	assert.ErrorIs(t, err, ErrUnlinked)
}

func TestDetect_EmptyStateListsEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r1 := f.remote.Put(f.coll.RemoteID, "", card("Ann"))
	r2 := f.remote.Put(f.coll.RemoteID, "", card("Bob"))
	f.linked(t, "e1", r1, card("Ann"))

	res, err := f.detector.Detect(ctx, f.coll, f.remote)
	require.NoError(t, err)

	assert.True(t, res.FullResync)
	assert.Equal(t, 1, f.remote.Calls(transport.OpFetch))
	assert.Equal(t, 0, f.remote.Calls(transport.OpDelta))
	assert.Equal(t, "2", res.RemoteState)

	// r1 matches the agreed signature
	assert.NotContains(t, res.RemoteChanged, r1)
	require.Contains(t, res.RemoteChanged, r2)
	assert.Equal(t, kinds.Contact().Signature(res.RemoteChanged[r2].Content), res.RemoteChanged[r2].Signature)
	assert.Empty(t, res.LocalChanged)
	assert.Empty(t, res.RemoteDeleted)
}

func TestDetect_LocalChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r1 := f.remote.Put(f.coll.RemoteID, "", card("Ann"))
	e1 := f.linked(t, "e1", r1, card("Ann"))
	f.coll.RemoteState = "1"

	e1.Content = []byte(`{"@type":"Card","name":{"full":"Ann B"}}`)
	e1.Signature = kinds.Contact().Signature(e1.Content)
	require.NoError(t, f.store.UpsertEntity(ctx, e1, "acc-1", models.OperationUpdate))

	fresh := &models.Entity{ID: "e2", CollectionID: f.coll.ID, UUID: "u2", Content: []byte(`{}`), Signature: "s"}
	require.NoError(t, f.store.UpsertEntity(ctx, fresh, "acc-1", models.OperationCreate))

	res, err := f.detector.Detect(ctx, f.coll, f.remote)
	require.NoError(t, err)

	assert.False(t, res.FullResync)
	assert.Contains(t, res.LocalChanged, "e1")
	assert.Contains(t, res.LocalChanged, "e2")
	assert.Empty(t, res.RemoteChanged)
	assert.Equal(t, "1", res.RemoteState)
}

func TestDetect_DeltaDropsEchoes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r1 := f.remote.Put(f.coll.RemoteID, "", card("Ann"))
	r2 := f.remote.Put(f.coll.RemoteID, "", card("Bob"))
	f.linked(t, "e1", r1, card("Ann"))
	f.linked(t, "e2", r2, card("Bob"))
	f.coll.RemoteState = "2"

	// our own earlier push comes back unchanged, a third party edits r2
	// and deletes nothing we do not know
	f.remote.Put(f.coll.RemoteID, r1, card("Ann"))
	f.remote.Put(f.coll.RemoteID, r2, card("Bobby"))
	r3 := f.remote.Put(f.coll.RemoteID, "", card("Cy"))
	f.remote.Remove(f.coll.RemoteID, r3)

	res, err := f.detector.Detect(ctx, f.coll, f.remote)
	require.NoError(t, err)

	assert.NotContains(t, res.RemoteChanged, r1)
	assert.Contains(t, res.RemoteChanged, r2)
	assert.NotContains(t, res.RemoteChanged, r3)
	assert.Empty(t, res.RemoteDeleted)
	assert.Equal(t, "6", res.RemoteState)
	assert.Equal(t, 0, f.remote.Calls(transport.OpFetch))
}

func TestDetect_DeltaReportsDeletions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r1 := f.remote.Put(f.coll.RemoteID, "", card("Ann"))
	f.linked(t, "e1", r1, card("Ann"))
	f.coll.RemoteState = "1"

	f.remote.Remove(f.coll.RemoteID, r1)

	res, err := f.detector.Detect(ctx, f.coll, f.remote)
	require.NoError(t, err)
	assert.Contains(t, res.RemoteDeleted, r1)
	require.Contains(t, res.Entities, "e1")
	assert.Equal(t, r1, res.Entities["e1"].RemoteID)
}

func TestDetect_InvalidTokenFallsBackToListing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r1 := f.remote.Put(f.coll.RemoteID, "", card("Ann"))
	r2 := f.remote.Put(f.coll.RemoteID, "", card("Bob"))
	f.linked(t, "e1", r1, card("Ann"))
	f.linked(t, "e2", r2, card("Bob"))
	f.coll.RemoteState = "2"

	f.remote.Remove(f.coll.RemoteID, r2)
	r3 := f.remote.Put(f.coll.RemoteID, "", card("Cy"))
	f.remote.ExpireStates(f.coll.RemoteID)

	res, err := f.detector.Detect(ctx, f.coll, f.remote)
	require.NoError(t, err)

	assert.True(t, res.FullResync)
	assert.Equal(t, 1, f.remote.Calls(transport.OpDelta))
	assert.Equal(t, 1, f.remote.Calls(transport.OpFetch))
	assert.Contains(t, res.RemoteDeleted, r2)
	assert.Contains(t, res.RemoteChanged, r3)
	assert.NotContains(t, res.RemoteChanged, r1)
}

func TestDetect_TransportFailureAbortsCollection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.coll.RemoteState = "0"
	boom := errors.New("connection reset")
	f.remote.Fail(transport.OpDelta, boom)

	_, err := f.detector.Detect(ctx, f.coll, f.remote)
	assert.ErrorIs(t, err, boom)

	f.remote.Fail(transport.OpDelta, transport.ErrRejected)
	_, err = f.detector.Detect(ctx, f.coll, f.remote)
	assert.ErrorIs(t, err, common.ErrTransportRejected)
}

func TestDetect_Timeout(t *testing.T) {
	f := newFixture(t)
	f.remote.Fail(transport.OpFetch, context.DeadlineExceeded)

	_, err := f.detector.Detect(context.Background(), f.coll, f.remote)
	assert.ErrorIs(t, err, transport.ErrTimeout)
}

func TestDetect_BadPayloadSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.remote.Put(f.coll.RemoteID, "", json.RawMessage(`{"@type":"Event"}`))
	good := f.remote.Put(f.coll.RemoteID, "", card("Ann"))

	res, err := f.detector.Detect(ctx, f.coll, f.remote)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, res.RemoteChanged, 1)
	assert.Contains(t, res.RemoteChanged, good)
}
