package ftl_test

import (
	"context"
	"testing"

	"github.com/nandkit/nandkit"
	"github.com/nandkit/nandkit/ftl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextFtl__Write__RemapParity(t *testing.T) {
	// The suspending surface must run the exact same remap protocol as the
	// blocking one.
	dev := newTestDevice()
	f, err := ftl.ScanContext(context.Background(), dev.Context(), 6)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.Write(ctx, 2, 0, pagePattern(0xA5)))
	dev.FailNextWrite(2, 1)
	require.NoError(t, f.Write(ctx, 2, 1, pagePattern(0x5A)))

	phys, ok := f.Mapping(2)
	require.True(t, ok)
	assert.EqualValues(t, 8, phys)
	assert.EqualValues(t, 1, f.SpareCount())
	assert.Equal(t, 1, dev.MarkBadCalls[2])

	buf := make([]byte, testGeometry.PageSize)
	require.NoError(t, f.Read(ctx, 2, 0, buf))
	assert.Equal(t, pagePattern(0xA5), buf)
}

func TestContextFtl__CancelledBeforeStart(t *testing.T) {
	dev := newTestDevice()
	f, err := ftl.ScanContext(context.Background(), dev.Context(), 6)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	writes := dev.Writes
	assert.ErrorIs(t, f.Write(ctx, 0, 0, pagePattern(0x01)), context.Canceled)
	assert.ErrorIs(t, f.Read(ctx, 0, 0, make([]byte, testGeometry.PageSize)), context.Canceled)
	assert.ErrorIs(t, f.Erase(ctx, 0), context.Canceled)
	assert.Equal(t, writes, dev.Writes, "cancelled calls must not touch the device")
}

func TestContextFtl__CancelDuringQuarantineRunsToCompletion(t *testing.T) {
	dev := newTestDevice()
	f, err := ftl.ScanContext(context.Background(), dev.Context(), 6)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	// Cancel the moment the quarantine begins. The remap and the retried
	// write must still run to completion so the table stays consistent.
	dev.OnMarkBad = func(nandkit.PhysicalBlock) { cancel() }
	dev.FailNextWrite(2, 1)

	require.NoError(t, f.Write(ctx, 2, 0, pagePattern(0xBB)),
		"cancellation after quarantine start must not be honored")

	phys, ok := f.Mapping(2)
	require.True(t, ok)
	assert.EqualValues(t, 8, phys)
	assert.Equal(t, 1, dev.MarkBadCalls[2])

	buf := make([]byte, testGeometry.PageSize)
	require.NoError(t, f.Read(context.Background(), 2, 0, buf))
	assert.Equal(t, pagePattern(0xBB), buf)
}

func TestContextFtl__ScanCancelled(t *testing.T) {
	dev := newTestDevice()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ftl.ScanContext(ctx, dev.Context(), 6)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestContextFtl__Read__DataLossParity(t *testing.T) {
	dev := newTestDevice()
	f, err := ftl.ScanContext(context.Background(), dev.Context(), 6)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.Write(ctx, 4, 1, pagePattern(0x31)))
	phys, _ := f.Mapping(4)
	dev.SetUncorrectable(phys, 1)

	buf := make([]byte, testGeometry.PageSize)
	assert.ErrorIs(t, f.Read(ctx, 4, 1, buf), nandkit.ErrDataLoss)

	newPhys, ok := f.Mapping(4)
	require.True(t, ok)
	assert.NotEqual(t, phys, newPhys)
	assert.Equal(t, 1, dev.MarkBadCalls[phys])
}
