package recorder

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InstanceGaming/atsc/internal/events"
)

func TestRecordsEventsFromBus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	rec, err := Open(path, "run-1")
	require.NoError(t, err)
	defer rec.Close()

	bus := events.NewBus(16)
	defer bus.Close()
	rec.Attach(bus)

	bus.Publish(events.EventPhaseState, 2.5, map[string]interface{}{
		"phase": 2, "from": "STOP", "to": "GO",
	})
	bus.Publish(events.EventPhaseState, 15.2, map[string]interface{}{
		"phase": 2, "from": "GO", "to": "CAUTION",
	})
	bus.Publish(events.EventModeChange, 0.0, map[string]interface{}{
		"from": "cet", "to": "normal",
	})

	// Bus delivery is asynchronous.
	require.Eventually(t, func() bool {
		n, err := rec.Count(events.EventPhaseState)
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond)

	n, err := rec.Count(events.EventModeChange)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = rec.Count(events.EventBusFault)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunsAreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	first, err := Open(path, "run-a")
	require.NoError(t, err)
	bus := events.NewBus(16)
	first.Attach(bus)
	bus.Publish(events.EventTransfer, 1.0, map[string]interface{}{"transferred": true})

	require.Eventually(t, func() bool {
		n, err := first.Count(events.EventTransfer)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
	bus.Close()
	require.NoError(t, first.Close())

	second, err := Open(path, "run-b")
	require.NoError(t, err)
	defer second.Close()

	n, err := second.Count(events.EventTransfer)
	require.NoError(t, err)
	assert.Zero(t, n, "rows from another run leaked into the count")
}
