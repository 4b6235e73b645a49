package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDedupeStore_DoneSuppressesForWindow(t *testing.T) {
	store := NewMemoryDedupeStore(time.Hour, 2*time.Minute)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	store.SetNow(func() time.Time { return now })

	ctx := context.Background()

	outcome, err := store.Begin(ctx, "dedupe:abc")
	require.NoError(t, err)
	assert.Equal(t, DedupeProceed, outcome)

	require.NoError(t, store.Done(ctx, "dedupe:abc"))

	// A redelivery just inside the window is a duplicate.
	now = base.Add(59 * time.Minute)
	outcome, err = store.Begin(ctx, "dedupe:abc")
	require.NoError(t, err)
	assert.Equal(t, DedupeDuplicate, outcome)

	// Once the window expires the same fingerprint runs again.
	now = base.Add(61 * time.Minute)
	outcome, err = store.Begin(ctx, "dedupe:abc")
	require.NoError(t, err)
	assert.Equal(t, DedupeProceed, outcome)
}

func TestMemoryDedupeStore_InflightGrace(t *testing.T) {
	store := NewMemoryDedupeStore(time.Hour, 2*time.Minute)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	store.SetNow(func() time.Time { return now })

	ctx := context.Background()

	outcome, err := store.Begin(ctx, "dedupe:xyz")
	require.NoError(t, err)
	assert.Equal(t, DedupeProceed, outcome)
	// No Done: the attempt failed or the process died.

	// Within the grace period the redelivery is suppressed.
	now = base.Add(30 * time.Second)
	outcome, err = store.Begin(ctx, "dedupe:xyz")
	require.NoError(t, err)
	assert.Equal(t, DedupeDuplicate, outcome)

	// After the grace period the retry is allowed through.
	now = base.Add(3 * time.Minute)
	outcome, err = store.Begin(ctx, "dedupe:xyz")
	require.NoError(t, err)
	assert.Equal(t, DedupeProceed, outcome)
}

func TestMemoryDedupeStore_DistinctKeysIndependent(t *testing.T) {
	store := NewMemoryDedupeStore(time.Hour, 2*time.Minute)
	ctx := context.Background()

	outcome, err := store.Begin(ctx, "dedupe:one")
	require.NoError(t, err)
	assert.Equal(t, DedupeProceed, outcome)
	require.NoError(t, store.Done(ctx, "dedupe:one"))

	outcome, err = store.Begin(ctx, "dedupe:two")
	require.NoError(t, err)
	assert.Equal(t, DedupeProceed, outcome)
}

func TestMarkerEncoding(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

	state, decoded, err := decodeMarker(encodeMarker(markerInflight, at))
	require.NoError(t, err)
	assert.Equal(t, markerInflight, state)
	assert.True(t, at.Equal(decoded))

	_, _, err = decodeMarker("garbage")
	require.Error(t, err)

	_, _, err = decodeMarker("done|not-a-time")
	require.Error(t, err)
}
