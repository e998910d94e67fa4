package claw

import (
	"errors"
	"testing"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubBusOpener replaces the real bus opener and counts calls.
func stubBusOpener(t *testing.T, err error) *int {
	t.Helper()
	opens := 0
	orig := openFeetechBus
	openFeetechBus = func(cfg BusConfig) (*feetech.Bus, error) {
		opens++
		return nil, err
	}
	t.Cleanup(func() { openFeetechBus = orig })
	return &opens
}

func TestSharedBusRefCounting(t *testing.T) {
	opens := stubBusOpener(t, nil)
	cfg := BusConfig{Port: "/dev/test-refcount", Baudrate: 1000000}

	_, err := AcquireSharedBus(cfg)
	require.NoError(t, err)
	_, err = AcquireSharedBus(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, *opens)

	refs, open := SharedBusStatus(cfg.Port)
	assert.True(t, open)
	assert.Equal(t, 2, refs)

	ReleaseSharedBus(cfg.Port)
	refs, open = SharedBusStatus(cfg.Port)
	assert.True(t, open)
	assert.Equal(t, 1, refs)

	ReleaseSharedBus(cfg.Port)
	_, open = SharedBusStatus(cfg.Port)
	assert.False(t, open)

	// releasing an unknown port is a no-op
	ReleaseSharedBus(cfg.Port)

	_, err = AcquireSharedBus(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, *opens)
	ReleaseSharedBus(cfg.Port)
}

func TestSharedBusConflict(t *testing.T) {
	stubBusOpener(t, nil)
	cfg := BusConfig{Port: "/dev/test-conflict", Baudrate: 1000000}

	_, err := AcquireSharedBus(cfg)
	require.NoError(t, err)
	defer ReleaseSharedBus(cfg.Port)

	other := cfg
	other.Baudrate = 500000
	_, err = AcquireSharedBus(other)
	assert.ErrorContains(t, err, "conflict")

	other = cfg
	other.Timeout = time.Second
	_, err = AcquireSharedBus(other)
	assert.ErrorContains(t, err, "conflict")

	refs, _ := SharedBusStatus(cfg.Port)
	assert.Equal(t, 1, refs)
}

func TestSharedBusOpenFailure(t *testing.T) {
	stubBusOpener(t, errors.New("no such device"))
	cfg := BusConfig{Port: "/dev/test-missing", Baudrate: 1000000}

	_, err := AcquireSharedBus(cfg)
	assert.ErrorContains(t, err, "no such device")

	_, open := SharedBusStatus(cfg.Port)
	assert.False(t, open)
}
