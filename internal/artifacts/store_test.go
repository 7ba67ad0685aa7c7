package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/modelops/internal/domain"
	"github.com/animus-labs/modelops/internal/platform/metrics"
)

func saveBundle(t *testing.T, store *Store, blob []byte) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "runs", "run_a", "artifact")
	path, err := store.Save(context.Background(), dir, Bundle{
		Blob:     blob,
		Metadata: map[string]any{"feature_schema": []any{"amount", "hour"}},
	})
	require.NoError(t, err)
	return path
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(nil, nil)
	blob := []byte{0x00, 0x01, 0xfe, 'm', 'o', 'd', 'e', 'l'}
	path := saveBundle(t, store, blob)

	got, err := store.Load(context.Background(), path, true)
	require.NoError(t, err)
	assert.Equal(t, blob, got.Blob)
	assert.True(t, got.Verified)
	assert.False(t, got.Unverifiable)
	assert.Equal(t, Checksum(blob), got.Checksum)
	assert.Equal(t, Checksum(got.Blob), got.Metadata[MetadataChecksumKey])
	assert.Equal(t, []any{"amount", "hour"}, got.Metadata["feature_schema"])

	raw, err := os.ReadFile(filepath.Join(path, ChecksumFile))
	require.NoError(t, err)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}\n$`, string(raw))
}

func TestLoadDetectsTampering(t *testing.T) {
	m := metrics.New()
	store := NewStore(nil, m)
	path := saveBundle(t, store, []byte("serialized model bytes"))

	blobPath := filepath.Join(path, BlobFile)
	raw, err := os.ReadFile(blobPath)
	require.NoError(t, err)
	raw[3] ^= 0xff
	require.NoError(t, os.WriteFile(blobPath, raw, 0o644))

	_, err = store.Load(context.Background(), path, true)
	require.ErrorIs(t, err, domain.ErrIntegrity)
	var ie *domain.IntegrityError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, path, ie.Path)
	assert.NotEqual(t, ie.Expected, ie.Actual)

	unchecked, err := store.Load(context.Background(), path, false)
	require.NoError(t, err)
	assert.Equal(t, raw, unchecked.Blob)
	assert.False(t, unchecked.Verified)
}

func TestLoadWithoutChecksumIsUnverifiable(t *testing.T) {
	store := NewStore(nil, nil)
	dir := filepath.Join(t.TempDir(), "artifact")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, LegacyBlobFile), []byte("legacy"), 0o644))

	got, err := store.Load(context.Background(), dir, true)
	require.NoError(t, err)
	assert.True(t, got.Unverifiable)
	assert.False(t, got.Verified)
	assert.Equal(t, []byte("legacy"), got.Blob)

	_, err = store.LoadVerified(context.Background(), dir)
	assert.ErrorIs(t, err, domain.ErrUnverifiable)
}

func TestLoadMissingArtifact(t *testing.T) {
	store := NewStore(nil, nil)
	_, err := store.Load(context.Background(), filepath.Join(t.TempDir(), "missing"), true)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLoadRejectsMalformedChecksum(t *testing.T) {
	store := NewStore(nil, nil)
	path := saveBundle(t, store, []byte("blob"))
	resolved, err := filepath.EvalSymlinks(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(resolved, ChecksumFile), []byte("md5:abc\n"), 0o644))

	_, err = store.Load(context.Background(), path, true)
	assert.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestSaveHonoursCancelledContext(t *testing.T) {
	store := NewStore(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dir := filepath.Join(t.TempDir(), "artifact")
	_, err := store.Save(ctx, dir, Bundle{Blob: []byte("x")})
	require.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Lstat(dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestParseChecksum(t *testing.T) {
	line := Checksum([]byte("abc"))
	alg, digest, err := ParseChecksum(" " + line + "\n")
	require.NoError(t, err)
	assert.Equal(t, "sha256", alg)
	assert.Len(t, digest, 64)

	for _, bad := range []string{"", "deadbeef", "sha256:xyz", "crc32:00000000"} {
		_, _, err := ParseChecksum(bad)
		assert.Error(t, err, bad)
	}
}
