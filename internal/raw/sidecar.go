package raw

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/promptkit-io/activator/internal/bucket"
)

const (
	sidecarMaxAttempts  = 20
	sidecarPollInterval = 100 * time.Millisecond
)

// GroupIDFromPath calculates a group id from an image object path.
//
// For generic-scheme paths the group is part of the path itself. For LSST
// cameras the group is not encoded in the path; it is read from a sidecar
// JSON file uploaded next to the image. The sidecar normally arrives before
// the image, so this waits a bounded amount of time for it before failing.
func GroupIDFromPath(ctx context.Context, store bucket.Store, path string) (string, error) {
	prefix, _, found := strings.Cut(path, "/")
	if !found {
		return "", fmt.Errorf("%w: %s", ErrUnparsablePath, path)
	}

	if !isLSSTCamera(prefix) {
		f, err := DecodeGeneric(path)
		if err != nil {
			return "", err
		}

		return f.Group, nil
	}

	f, err := decodeLSST(path)
	if err != nil {
		return "", err
	}

	// Cannot just swap the extension: the image may end in .fits.fz.
	sidecarKey := strings.TrimSuffix(path, f.extension) + ".json"

	if err := waitForObject(ctx, store, sidecarKey); err != nil {
		return "", err
	}

	reader, err := store.Get(ctx, sidecarKey)
	if err != nil {
		return "", fmt.Errorf("failed to read JSON sidecar %q: %w", sidecarKey, err)
	}
	defer func() { _ = reader.Close() }()

	var metadata struct {
		GroupID string `json:"GROUPID"`
	}

	if err := json.NewDecoder(reader).Decode(&metadata); err != nil {
		return "", fmt.Errorf("failed to decode JSON sidecar %q: %w", sidecarKey, err)
	}

	return metadata.GroupID, nil
}

func waitForObject(ctx context.Context, store bucket.Store, key string) error {
	for attempt := 0; attempt < sidecarMaxAttempts; attempt++ {
		exists, err := store.Exists(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to check for JSON sidecar %q: %w", key, err)
		}

		if exists {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sidecarPollInterval):
		}
	}

	return fmt.Errorf("unable to retrieve JSON sidecar %q after %d attempts", key, sidecarMaxAttempts)
}
