package raw

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptkit-io/activator/internal/bucket"
)

func TestGroupIDFromPath_Generic(t *testing.T) {
	store := bucket.NewMemoryStore()

	group, err := GroupIDFromPath(context.Background(),
		store, "HSC/50/2026-08-23T06:15:00.123/0/2026082300123/r/image.fits.fz")

	require.NoError(t, err)
	assert.Equal(t, "2026-08-23T06:15:00.123", group)
}

func TestGroupIDFromPath_LSSTSidecar(t *testing.T) {
	store := bucket.NewMemoryStore()

	image := "LSSTComCam/20260823/CC_O_20260823_000123/CC_O_20260823_000123_R22_S11.fits.fz"
	sidecar := "LSSTComCam/20260823/CC_O_20260823_000123/CC_O_20260823_000123_R22_S11.json"
	store.Put(sidecar, []byte(`{"GROUPID": "2026-08-23T06:15:00.123"}`))

	group, err := GroupIDFromPath(context.Background(), store, image)

	require.NoError(t, err)
	assert.Equal(t, "2026-08-23T06:15:00.123", group)
}

func TestGroupIDFromPath_SidecarMissing(t *testing.T) {
	store := bucket.NewMemoryStore()

	image := "LSSTComCam/20260823/CC_O_20260823_000123/CC_O_20260823_000123_R22_S11.fits"

	// A canceled context stops the sidecar wait immediately.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := GroupIDFromPath(ctx, store, image)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestGroupIDFromPath_MalformedSidecar(t *testing.T) {
	store := bucket.NewMemoryStore()

	image := "LSSTComCam/20260823/CC_O_20260823_000123/CC_O_20260823_000123_R22_S11.fits"
	sidecar := "LSSTComCam/20260823/CC_O_20260823_000123/CC_O_20260823_000123_R22_S11.json"
	store.Put(sidecar, []byte("{not json"))

	_, err := GroupIDFromPath(context.Background(), store, image)

	assert.Error(t, err)
}
