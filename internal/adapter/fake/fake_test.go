package fake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solar-fleet/sfc/internal/adapter"
)

func TestFakeScriptedResponses(t *testing.T) {
	f := New()
	eff := 97.0
	f.SetResponse(adapter.Unit("U1"), &adapter.ActionResult{UnitsActedOn: 1, ProjectedEfficiency: &eff}, nil)
	f.SetResponse(adapter.Unit("U2"), nil, &adapter.DispatchError{Code: adapter.ErrBusy, Target: adapter.Unit("U2")})

	res, err := f.Clean(context.Background(), adapter.Unit("U1"))
	require.NoError(t, err)
	assert.Equal(t, 97.0, *res.ProjectedEfficiency)

	_, err = f.Clean(context.Background(), adapter.Unit("U2"))
	assert.ErrorIs(t, err, adapter.ErrBusy)

	res, err = f.Clean(context.Background(), adapter.Group("A1"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.UnitsActedOn)

	assert.Equal(t, []adapter.Target{adapter.Unit("U1"), adapter.Unit("U2"), adapter.Group("A1")}, f.Calls())
	assert.Equal(t, 1, f.CallCount(adapter.Unit("U1")))
}

func TestFakeHold(t *testing.T) {
	f := New()
	release := f.Hold()

	done := make(chan error, 1)
	go func() {
		_, err := f.Clean(context.Background(), adapter.Unit("U1"))
		done <- err
	}()

	select {
	case got := <-f.Entered():
		assert.Equal(t, adapter.Unit("U1"), got)
	case <-time.After(time.Second):
		t.Fatal("call did not start")
	}
	select {
	case <-done:
		t.Fatal("held call returned early")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	release()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("released call did not return")
	}
}

func TestFakeHoldRespectsContext(t *testing.T) {
	f := New()
	defer f.Hold()()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Clean(ctx, adapter.Unit("U1"))
	assert.ErrorIs(t, err, adapter.ErrUnavailable)
}
