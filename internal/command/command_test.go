package command

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/link18/tacsync/internal/model"
	"github.com/link18/tacsync/internal/store"
)

type countingNotifier struct {
	nudges atomic.Int64
}

func (n *countingNotifier) Nudge() { n.nudges.Add(1) }

func newTestReconciler(t *testing.T) (*Reconciler, *store.Store, *countingNotifier) {
	t.Helper()
	st := store.New(store.DefaultConfig())
	n := &countingNotifier{}
	return New(st, "Alice", n, zerolog.Nop()), st, n
}

func boolPtr(b bool) *bool { return &b }

func TestParse_FlatAndPayloadShapes(t *testing.T) {
	flat, err := Parse([]byte(`{"type":"set_formation","formation":true}`))
	require.NoError(t, err)
	require.NotNil(t, flat.Formation)
	assert.True(t, *flat.Formation)

	wrapped, err := Parse([]byte(`{"type":"planning_update","payload":{"waypoints":[{"x":0.1,"y":0.2}]}}`))
	require.NoError(t, err)
	require.Len(t, wrapped.Waypoints, 1)
	assert.Equal(t, 0.1, wrapped.Waypoints[0].X)

	_, err = Parse([]byte(`{not json`))
	assert.Error(t, err)
}

func TestSubmit_UnknownType(t *testing.T) {
	r, _, _ := newTestReconciler(t)

	err := r.Submit(Command{Type: "self_destruct"})
	require.ErrorIs(t, err, ErrUnknownCommand)
	assert.Zero(t, r.pending.Len())
}

func TestSubmit_InvalidWaypointsRejectedSynchronously(t *testing.T) {
	r, st, _ := newTestReconciler(t)

	// Establish a prior route.
	require.NoError(t, r.Submit(Command{
		Type:      TypePlanningUpdate,
		Waypoints: []model.Point{{X: 0.5, Y: 0.5}},
	}))
	r.Drain()

	oversized := make([]model.Point, model.MaxWaypoints+1)
	err := r.Submit(Command{Type: TypePlanningUpdate, Waypoints: oversized})
	require.ErrorIs(t, err, model.ErrInvalidEntity)

	err = r.Submit(Command{
		Type:      TypePlanningUpdate,
		Waypoints: []model.Point{{X: 1.5, Y: 0.5}},
	})
	require.ErrorIs(t, err, model.ErrInvalidEntity)

	// The prior route is untouched by rejected commands.
	r.Drain()
	snap := st.Snapshot()
	require.Contains(t, snap.Waypoints, "Alice")
	require.Len(t, snap.Waypoints["Alice"].Points, 1)
	assert.Equal(t, 0.5, snap.Waypoints["Alice"].Points[0].X)
}

func TestSubmit_FormationRequiresValue(t *testing.T) {
	r, _, _ := newTestReconciler(t)

	err := r.Submit(Command{Type: TypeSetFormation})
	require.ErrorIs(t, err, model.ErrInvalidEntity)
}

func TestDrain_AppliesInSubmissionOrder(t *testing.T) {
	r, st, n := newTestReconciler(t)

	now := time.Now()
	require.NoError(t, r.Submit(Command{Type: TypeSetFormation, Formation: boolPtr(true), Received: now}))
	require.NoError(t, r.Submit(Command{Type: TypeSetFormation, Formation: boolPtr(false), Received: now}))
	r.Drain()

	snap := st.Snapshot()
	require.Contains(t, snap.Formations, "Alice")
	assert.False(t, snap.Formations["Alice"].Value, "later command must win even at equal wall time")
	assert.Equal(t, model.OriginLocal, snap.Formations["Alice"].Origin)
	assert.Equal(t, int64(1), n.nudges.Load())
}

func TestDrain_PlanningUpdateReplacesRoute(t *testing.T) {
	r, st, n := newTestReconciler(t)

	require.NoError(t, r.Submit(Command{
		Type:      TypePlanningUpdate,
		Waypoints: []model.Point{{X: 0.1, Y: 0.1}, {X: 0.2, Y: 0.2}},
	}))
	r.Drain()
	require.NoError(t, r.Submit(Command{
		Type:      TypePlanningUpdate,
		Waypoints: []model.Point{{X: 0.9, Y: 0.9}},
	}))
	r.Drain()

	snap := st.Snapshot()
	require.Contains(t, snap.Waypoints, "Alice")
	require.Len(t, snap.Waypoints["Alice"].Points, 1, "a new route replaces, never merges")
	assert.Equal(t, 0.9, snap.Waypoints["Alice"].Points[0].X)
	assert.Equal(t, int64(2), n.nudges.Load())
}

func TestDrain_EmptyQueueDoesNotNudge(t *testing.T) {
	r, _, n := newTestReconciler(t)

	r.Drain()
	assert.Zero(t, n.nudges.Load())
}

func TestRun_DrainsOnSignal(t *testing.T) {
	r, st, _ := newTestReconciler(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	require.NoError(t, r.Submit(Command{Type: TypeSetFormation, Formation: boolPtr(true)}))

	require.Eventually(t, func() bool {
		snap := st.Snapshot()
		f, ok := snap.Formations["Alice"]
		return ok && f.Value
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
