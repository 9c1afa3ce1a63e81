package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spacesync/internal/blob"
	"spacesync/internal/filestore"
	"spacesync/internal/infra/persistence/memory"
	"spacesync/internal/tree"
	"spacesync/pkg/domain"
)

func dispose(t *testing.T, r *Runner) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Dispose(ctx)
	})
}

func TestStartFromSpacePushesEveryLayer(t *testing.T) {
	ctx := context.Background()
	space := tree.NewSpace("demo")
	a, b := memory.New("a"), memory.New("b")
	r := StartFromSpace(ctx, space, []domain.PersistenceLayer{a, b})
	dispose(t, r)

	assert.Equal(t, StateReady, r.State())
	for _, l := range []*memory.Layer{a, b} {
		ops, err := l.LoadTreeOps(ctx, space.ID())
		require.NoError(t, err)
		assert.Equal(t, space.Root().Ops(), ops)
		id, err := l.SpaceID(ctx)
		require.NoError(t, err)
		assert.Equal(t, space.ID(), id)
	}
}

func TestLoadSpaceFromLayers(t *testing.T) {
	ctx := context.Background()
	shared := memory.New("shared")
	origin := tree.NewSpace("demo")
	dispose(t, StartFromSpace(ctx, origin, []domain.PersistenceLayer{shared}))

	r := NewFromURI("space://demo", []domain.PersistenceLayer{shared, memory.New("empty", memory.WithCapabilities(domain.Capabilities{}))})
	dispose(t, r)
	assert.Equal(t, StateUninitialized, r.State())

	space, err := r.LoadSpace(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, origin.ID(), space.ID())
	assert.Equal(t, "demo", space.Name())
	assert.NotEqual(t, origin.Peer(), space.Peer())
	assert.Equal(t, StateReady, r.State())

	again, err := r.LoadSpace(ctx, time.Second)
	require.NoError(t, err)
	assert.Same(t, space, again)
}

func TestLoadSpaceCatchesUpLaggingLayers(t *testing.T) {
	ctx := context.Background()
	full := memory.New("full")
	origin := tree.NewSpace("demo")
	dispose(t, StartFromSpace(ctx, origin, []domain.PersistenceLayer{full}))
	lagging := memory.New("lagging", memory.WithCapabilities(domain.Capabilities{Upload: true}))

	r := NewFromURI("space://demo", []domain.PersistenceLayer{full, lagging})
	dispose(t, r)
	_, err := r.LoadSpace(ctx, time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ops, _ := lagging.LoadTreeOps(ctx, origin.ID())
		return len(ops) == len(origin.Root().Ops())
	}, time.Second, 5*time.Millisecond)
}

func TestLoadSpaceTimesOut(t *testing.T) {
	r := NewFromURI("space://slow", []domain.PersistenceLayer{blockingLayer{id: "a"}, blockingLayer{id: "b"}}, WithSpaceIDHint("slow"))
	dispose(t, r)

	start := time.Now()
	_, err := r.LoadSpace(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrLoadTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateLoading, r.State())
}

func TestLoadSpaceUnknown(t *testing.T) {
	r := NewFromURI("space://missing", []domain.PersistenceLayer{memory.New("empty")})
	dispose(t, r)

	_, err := r.LoadSpace(context.Background(), time.Second)
	require.ErrorIs(t, err, domain.ErrSpaceNotFound)
	assert.Equal(t, StateUninitialized, r.State())
}

func TestLoadSpaceWithoutRootOpFails(t *testing.T) {
	ctx := context.Background()
	partial := memory.New("partial", memory.WithSpaceID("s1"))
	require.NoError(t, partial.SaveTreeOps(ctx, "s1", []domain.Operation{op(5, "p", "s1", "name", "x")}))

	r := NewFromURI("space://s1", []domain.PersistenceLayer{partial, failingLayer{id: "bad"}})
	dispose(t, r)
	_, err := r.LoadSpace(ctx, time.Second)
	require.ErrorIs(t, err, domain.ErrSpaceConstruction)
	require.ErrorIs(t, err, errBroken)
	assert.Equal(t, StateUninitialized, r.State())
}

func TestLoadSpaceIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	origin := tree.NewSpace("demo")
	backing := memory.New("gated")
	dispose(t, StartFromSpace(ctx, origin, []domain.PersistenceLayer{backing}))
	gated := &gatedLayer{Layer: backing, gate: make(chan struct{})}

	r := NewFromURI("space://demo", []domain.PersistenceLayer{gated})
	dispose(t, r)

	var wg sync.WaitGroup
	spaces := make([]*tree.Space, 4)
	for i := range spaces {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.LoadSpace(ctx, 2*time.Second)
			assert.NoError(t, err)
			spaces[i] = s
		}()
	}
	require.Eventually(t, func() bool { return gated.Loads() == 1 }, time.Second, time.Millisecond)
	close(gated.gate)
	wg.Wait()

	for _, s := range spaces {
		assert.Same(t, spaces[0], s)
	}
	assert.Equal(t, 1, gated.Loads())
}

func TestForwardsOnlyLocalOps(t *testing.T) {
	ctx := context.Background()
	shared := memory.New("shared")
	origin := tree.NewSpace("demo")
	dispose(t, StartFromSpace(ctx, origin, []domain.PersistenceLayer{shared}))

	private := newRecording("private", memory.WithCapabilities(domain.Capabilities{}))
	r := NewFromURI("space://demo", []domain.PersistenceLayer{shared, private})
	dispose(t, r)
	replica, err := r.LoadSpace(ctx, time.Second)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(private.Received()) > 0 }, time.Second, time.Millisecond)
	private.Reset()

	origin.SetName("renamed")
	require.Eventually(t, func() bool { return replica.Name() == "renamed" }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return len(private.Received()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	replica.SetName("local")
	require.Eventually(t, func() bool { return len(private.Received()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, replica.Peer(), private.Received()[0].ID.AuthorID)
	require.Eventually(t, func() bool { return origin.Name() == "local" }, time.Second, time.Millisecond)
}

func TestAppTreesReachOtherReplicas(t *testing.T) {
	ctx := context.Background()
	shared := memory.New("shared")
	origin := tree.NewSpace("demo")
	dispose(t, StartFromSpace(ctx, origin, []domain.PersistenceLayer{shared}))

	notes := origin.NewAppTree("notes")
	notes.Set(notes.ID(), "title", "hello")
	require.Eventually(t, func() bool {
		ops, _ := shared.LoadTreeOps(ctx, notes.ID())
		root, _ := shared.LoadTreeOps(ctx, origin.ID())
		return len(ops) == len(notes.Ops()) && len(root) == len(origin.Root().Ops())
	}, time.Second, time.Millisecond)

	r := NewFromURI("space://demo", []domain.PersistenceLayer{shared})
	dispose(t, r)
	replica, err := r.LoadSpace(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{notes.ID()}, replica.AppTreeIDs())

	doc, err := replica.LoadAppTree(ctx, notes.ID())
	require.NoError(t, err)
	title, _ := doc.Get(notes.ID(), "title")
	assert.Equal(t, "hello", title)
	assert.Contains(t, r.DocumentIDs(), notes.ID())

	_, err = replica.LoadAppTree(ctx, "unknown")
	require.ErrorIs(t, err, domain.ErrTreeNotFound)
}

func TestSecretsLoadAndWriteThrough(t *testing.T) {
	ctx := context.Background()
	first, second := memory.New("first"), memory.New("second")
	require.NoError(t, first.SaveSecrets(ctx, map[string]string{"token": "old", "region": "eu"}))
	require.NoError(t, second.SaveSecrets(ctx, map[string]string{"token": "new"}))

	space := tree.NewSpace("demo")
	r := StartFromSpace(ctx, space, []domain.PersistenceLayer{first, second})
	dispose(t, r)
	assert.Equal(t, map[string]string{"token": "new", "region": "eu"}, space.Secrets())

	space.SetSecret("api", "k")
	for _, l := range []*memory.Layer{first, second} {
		require.Eventually(t, func() bool {
			s, _ := l.LoadSecrets(ctx)
			return s["api"] == "k"
		}, time.Second, time.Millisecond)
	}
	s, _ := first.LoadSecrets(ctx)
	assert.Equal(t, "old", s["token"])
}

func TestFileStoreAttached(t *testing.T) {
	space := tree.NewSpace("demo")
	r := StartFromSpace(context.Background(), space, nil, WithFileLayer(filestore.NewProvider("root", blob.NewMemory())))
	dispose(t, r)

	fs, err := space.RequireFileStore()
	require.NoError(t, err)
	res, err := fs.PutBytes(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Len(t, res.Hash, 64)
}

func TestLayerFaultsAreIsolatedAndCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	good := memory.New("good")
	space := tree.NewSpace("demo")
	r := StartFromSpace(context.Background(), space, []domain.PersistenceLayer{failingLayer{id: "bad"}, good}, WithMetrics(m))
	dispose(t, r)

	assert.Equal(t, StateReady, r.State())
	assert.Equal(t, 1.0, promtest.ToFloat64(m.LayerFaults.WithLabelValues("bad", "connect")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.LayerFaults.WithLabelValues("bad", "save")))
	assert.Equal(t, float64(len(space.Root().Ops())), promtest.ToFloat64(m.ReconciledOps.WithLabelValues("good")))
}

func TestAddAndRemoveLayer(t *testing.T) {
	ctx := context.Background()
	space := tree.NewSpace("demo")
	r := StartFromSpace(ctx, space, []domain.PersistenceLayer{memory.New("a")})
	dispose(t, r)

	extra := memory.New("extra")
	remote := op(100, "zz", space.ID(), "name", "from-extra")
	require.NoError(t, extra.SaveTreeOps(ctx, space.ID(), []domain.Operation{remote}))
	require.NoError(t, r.AddLayer(ctx, extra))
	assert.Equal(t, "from-extra", space.Name())
	assert.Len(t, r.Layers(), 2)

	assert.True(t, r.RemoveLayer(ctx, "extra"))
	assert.False(t, r.RemoveLayer(ctx, "extra"))
	assert.Len(t, r.Layers(), 1)
}

func TestDisposedRunnerRefusesWork(t *testing.T) {
	r := StartFromSpace(context.Background(), tree.NewSpace("demo"), []domain.PersistenceLayer{memory.New("a")})
	r.Dispose(context.Background())
	r.Dispose(context.Background())

	assert.Equal(t, StateDisposed, r.State())
	_, err := r.LoadSpace(context.Background(), time.Second)
	require.ErrorIs(t, err, domain.ErrRunnerDisposed)
	require.ErrorIs(t, r.AddLayer(context.Background(), memory.New("b")), domain.ErrRunnerDisposed)
}

func TestLoadSpaceCatchesUpBeforeSlowLayersAnswer(t *testing.T) {
	ctx := context.Background()
	full := memory.New("full")
	origin := tree.NewSpace("demo")
	dispose(t, StartFromSpace(ctx, origin, []domain.PersistenceLayer{full}))
	empty := memory.New("empty", memory.WithCapabilities(domain.Capabilities{}))

	r := NewFromURI("space://demo", []domain.PersistenceLayer{full, empty, blockingLayer{id: "stuck"}})
	dispose(t, r)
	_, err := r.LoadSpace(ctx, time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ops, _ := empty.LoadTreeOps(ctx, origin.ID())
		return len(ops) == len(origin.Root().Ops())
	}, time.Second, 5*time.Millisecond)
	id, err := empty.SpaceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, origin.ID(), id)
}

func TestLoadAppTreeAcrossLayers(t *testing.T) {
	ctx := context.Background()
	full := memory.New("full")
	origin := tree.NewSpace("demo")
	dispose(t, StartFromSpace(ctx, origin, []domain.PersistenceLayer{full}))
	notes := origin.NewAppTree("notes")
	require.Eventually(t, func() bool {
		ops, _ := full.LoadTreeOps(ctx, notes.ID())
		root, _ := full.LoadTreeOps(ctx, origin.ID())
		return len(ops) == len(notes.Ops()) && len(root) == len(origin.Root().Ops())
	}, time.Second, time.Millisecond)
	base := len(notes.Ops())

	// partial holds a notes edit but not the op that creates the tree.
	partial := memory.New("partial", memory.WithCapabilities(domain.Capabilities{}))
	require.NoError(t, partial.SaveTreeOps(ctx, notes.ID(), []domain.Operation{op(50, "zz", notes.ID(), "color", "blue")}))
	late := &gatedLayer{Layer: memory.New("late", memory.WithCapabilities(domain.Capabilities{})), gate: make(chan struct{})}
	require.NoError(t, late.Layer.SaveTreeOps(ctx, notes.ID(), []domain.Operation{op(60, "yy", notes.ID(), "pinned", true)}))

	r := NewFromURI("space://demo", []domain.PersistenceLayer{full, partial, late})
	dispose(t, r)
	replica, err := r.LoadSpace(ctx, time.Second)
	require.NoError(t, err)

	doc, err := replica.LoadAppTree(ctx, notes.ID())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, _ := doc.Get(notes.ID(), "color")
		return v == "blue"
	}, time.Second, time.Millisecond)
	_, ok := doc.Get(notes.ID(), "pinned")
	assert.False(t, ok, "late layer has not answered yet")

	close(late.gate)
	require.Eventually(t, func() bool {
		v, _ := doc.Get(notes.ID(), "pinned")
		return v == true
	}, time.Second, time.Millisecond)

	want := base + 2
	for _, l := range []*memory.Layer{full, partial, late.Layer} {
		require.Eventually(t, func() bool {
			ops, _ := l.LoadTreeOps(ctx, notes.ID())
			return len(ops) == want
		}, time.Second, 5*time.Millisecond, l.ID())
	}

	require.NoError(t, partial.SaveTreeOps(ctx, "orphan", []domain.Operation{op(7, "zz", "orphan", "title", "lost")}))
	_, err = replica.LoadAppTree(ctx, "orphan")
	require.ErrorIs(t, err, domain.ErrTreeNotFound)
}

func TestAddLayerReceivesRootBeforeAppTrees(t *testing.T) {
	ctx := context.Background()
	space := tree.NewSpace("demo")
	r := StartFromSpace(ctx, space, []domain.PersistenceLayer{memory.New("a")})
	dispose(t, r)

	late := &gatedLayer{Layer: memory.New("late"), gate: make(chan struct{})}
	added := make(chan error, 1)
	go func() { added <- r.AddLayer(ctx, late) }()
	require.Eventually(t, func() bool { return late.Loads() == 1 }, time.Second, time.Millisecond)

	space.NewAppTree("notes")
	close(late.gate)
	require.NoError(t, <-added)

	id, err := late.SpaceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, space.ID(), id)
	ops, err := late.LoadTreeOps(ctx, space.ID())
	require.NoError(t, err)
	assert.Equal(t, space.Root().Ops(), ops)
}
