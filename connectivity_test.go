package localfirst

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectivityTransitions(t *testing.T) {
	tests := []struct {
		from    ConnState
		trigger Trigger
		want    ConnState
	}{
		{StateOnline, TriggerBrowserOffline, StateOffline},
		{StateOnline, TriggerFetchFailed, StateDegraded},
		{StateOnline, TriggerProbeFailed, StateDegraded},
		{StateOnline, TriggerFetchSucceeded, StateOnline},
		{StateOffline, TriggerFetchFailed, StateOffline},
		{StateOffline, TriggerProbeFailed, StateOffline},
		{StateOffline, TriggerBrowserOnline, StateOnline},
		{StateOffline, TriggerProbeSucceeded, StateOnline},
		{StateDegraded, TriggerFetchSucceeded, StateOnline},
		{StateDegraded, TriggerProbeSucceeded, StateOnline},
		{StateDegraded, TriggerBrowserOffline, StateOffline},
		{StateDegraded, TriggerFetchFailed, StateDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.trigger.String(), func(t *testing.T) {
			c := NewConnectivity(tt.from, nil)
			assert.Equal(t, tt.want, c.Apply(tt.trigger))
			assert.Equal(t, tt.want, c.State())
			assert.Equal(t, tt.want == StateOnline, c.IsOnline())
		})
	}
}

func TestConnectivityListeners(t *testing.T) {
	c := NewConnectivity(StateOnline, nil)

	type change struct {
		from, to ConnState
		cause    Trigger
	}
	var got []change
	remove := c.OnChange(func(from, to ConnState, cause Trigger) {
		got = append(got, change{from, to, cause})
	})
	c.OnChange(func(ConnState, ConnState, Trigger) { panic("listener bug") })

	c.SetOnline(false)
	c.SetOnline(false)
	c.Apply(TriggerProbeSucceeded)

	assert.Equal(t, []change{
		{StateOnline, StateOffline, TriggerBrowserOffline},
		{StateOffline, StateOnline, TriggerProbeSucceeded},
	}, got, "listeners only see actual changes")

	remove()
	c.SetOnline(false)
	assert.Len(t, got, 2)
}

func TestConnStateText(t *testing.T) {
	b, err := json.Marshal(struct {
		S ConnState `json:"s"`
	}{StateDegraded})
	require.NoError(t, err)
	assert.JSONEq(t, `{"s":"degraded"}`, string(b))

	var s ConnState
	require.NoError(t, s.UnmarshalText([]byte("offline")))
	assert.Equal(t, StateOffline, s)
	assert.Error(t, s.UnmarshalText([]byte("sideways")))
}
