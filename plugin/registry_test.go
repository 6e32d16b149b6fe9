package plugin_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/dunning"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/plugin"
)

type recorder struct {
	name     string
	planHits atomic.Int32
	failInit bool
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) OnInit(context.Context, any) error {
	if r.failInit {
		return errors.New("boom")
	}
	return nil
}

func (r *recorder) OnPlanCreated(context.Context, *plan.Plan) error {
	r.planHits.Add(1)
	return nil
}

type slowPlugin struct{}

func (slowPlugin) Name() string { return "slow" }

func (slowPlugin) OnDunningStarted(ctx context.Context, _ *dunning.Case) error {
	time.Sleep(200 * time.Millisecond)
	return nil
}

type panicky struct{}

func (panicky) Name() string { return "panicky" }

func (panicky) OnPlanCreated(context.Context, *plan.Plan) error { panic("bad plugin") }

func TestRegisterRejectsDuplicateNames(t *testing.T) {
	r := plugin.NewRegistry()
	require.NoError(t, r.Register(&recorder{name: "a"}))
	require.Error(t, r.Register(&recorder{name: "a"}))
	assert.Len(t, r.Plugins(), 1)
}

func TestEmitDispatchesToImplementers(t *testing.T) {
	r := plugin.NewRegistry()
	a := &recorder{name: "a"}
	b := &recorder{name: "b"}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	require.NoError(t, r.Register(slowPlugin{}))

	r.EmitPlanCreated(context.Background(), &plan.Plan{Slug: "pro"})

	assert.EqualValues(t, 1, a.planHits.Load())
	assert.EqualValues(t, 1, b.planHits.Load())
}

func TestEmitInitReturnsFailure(t *testing.T) {
	r := plugin.NewRegistry()
	require.NoError(t, r.Register(&recorder{name: "ok"}))
	require.NoError(t, r.Register(&recorder{name: "bad", failInit: true}))

	err := r.EmitInit(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

func TestSlowPluginIsCutOff(t *testing.T) {
	r := plugin.NewRegistry().WithTimeout(20 * time.Millisecond)
	require.NoError(t, r.Register(slowPlugin{}))

	start := time.Now()
	r.EmitDunningStarted(context.Background(), &dunning.Case{})
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestPanickingPluginDoesNotEscape(t *testing.T) {
	r := plugin.NewRegistry()
	ok := &recorder{name: "ok"}
	require.NoError(t, r.Register(panicky{}))
	require.NoError(t, r.Register(ok))

	assert.NotPanics(t, func() {
		r.EmitPlanCreated(context.Background(), &plan.Plan{})
	})
	assert.EqualValues(t, 1, ok.planHits.Load())
}
