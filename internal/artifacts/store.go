package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/animus-labs/modelops/internal/domain"
	"github.com/animus-labs/modelops/internal/platform/fsutil"
	"github.com/animus-labs/modelops/internal/platform/metrics"
)

const (
	BlobFile       = "model.bin"
	LegacyBlobFile = "model.joblib"
	MetadataFile   = "metadata.json"
	ChecksumFile   = "checksum.sha256"

	// MetadataChecksumKey annotates metadata with the blob checksum for audit.
	MetadataChecksumKey = "checksum"
)

// Bundle is a serialized model plus its metadata.
type Bundle struct {
	Blob     []byte
	Metadata map[string]any
}

// LoadResult is a bundle read back from disk.
type LoadResult struct {
	Path     string
	Blob     []byte
	Metadata map[string]any
	Checksum string
	// Verified is true when the checksum was recomputed and matched.
	Verified bool
	// Unverifiable is true when no checksum file exists for the bundle.
	Unverifiable bool
}

// Store persists bundles on the local filesystem.
type Store struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewStore(logger *slog.Logger, m *metrics.Metrics) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{logger: logger, metrics: m}
}

// Save writes the bundle to dir and publishes it atomically. The checksum covers the
// blob bytes only.
func (s *Store) Save(ctx context.Context, dir string, bundle Bundle) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", errors.New("artifact dir is required")
	}

	staged, err := fsutil.StageDir(dir)
	if err != nil {
		return "", fmt.Errorf("stage artifact: %w", err)
	}
	checksum, err := s.writeBundle(ctx, staged, bundle)
	if err != nil {
		fsutil.Discard(staged)
		return "", err
	}
	pub, err := fsutil.PublishDir(staged, dir)
	if err != nil {
		fsutil.Discard(staged)
		return "", fmt.Errorf("publish artifact: %w", err)
	}
	if err := pub.Commit(); err != nil {
		s.logger.Warn("artifact generation cleanup failed", "path", dir, "error", err)
	}
	s.logger.Debug("artifact saved", "path", dir, "checksum", checksum, "size_bytes", len(bundle.Blob))
	return dir, nil
}

// writeBundle writes the bundle into dir, which must not be published yet, and returns
// its checksum.
func (s *Store) writeBundle(ctx context.Context, dir string, bundle Bundle) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if bundle.Blob == nil {
		return "", errors.New("artifact blob is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	checksum := Checksum(bundle.Blob)
	metadata := cloneMetadata(bundle.Metadata)
	metadata[MetadataChecksumKey] = checksum
	if err := WriteFiles(dir, bundle.Blob, metadata, checksum); err != nil {
		return "", err
	}
	if err := fsutil.SyncDir(dir); err != nil {
		return "", fmt.Errorf("sync artifact dir: %w", err)
	}
	return checksum, nil
}

// Load reads a bundle. With verify, a checksum mismatch yields an *IntegrityError.
// A bundle without a checksum file loads with Unverifiable set.
func (s *Store) Load(ctx context.Context, path string, verify bool) (LoadResult, error) {
	if err := ctx.Err(); err != nil {
		return LoadResult{}, err
	}
	resolved, err := fsutil.ResolveDir(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return LoadResult{}, fmt.Errorf("artifact %s: %w", path, domain.ErrNotFound)
		}
		return LoadResult{}, fmt.Errorf("resolve artifact %s: %w", path, err)
	}

	blob, err := readBlob(resolved)
	if err != nil {
		return LoadResult{}, fmt.Errorf("artifact %s: %w", path, err)
	}
	metadata, err := readMetadata(resolved)
	if err != nil {
		return LoadResult{}, fmt.Errorf("artifact %s: %w", path, err)
	}
	result := LoadResult{Path: path, Blob: blob, Metadata: metadata}

	raw, err := os.ReadFile(filepath.Join(resolved, ChecksumFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		result.Unverifiable = true
		if verify {
			s.logger.Warn("artifact has no checksum; integrity cannot be verified", "path", path)
		}
		return result, nil
	case err != nil:
		return LoadResult{}, fmt.Errorf("read checksum %s: %w", path, err)
	}
	result.Checksum = strings.TrimSpace(string(raw))
	if !verify {
		return result, nil
	}

	algorithm, digest, err := ParseChecksum(result.Checksum)
	if err != nil {
		s.metrics.ObserveIntegrityFailure()
		return LoadResult{}, &domain.IntegrityError{Path: path, Expected: result.Checksum, Actual: err.Error()}
	}
	expected := FormatChecksum(algorithm, digest)
	actual := Checksum(blob)
	if actual != expected {
		s.metrics.ObserveIntegrityFailure()
		s.logger.Error("artifact integrity check failed", "path", path, "expected", expected, "actual", actual)
		return LoadResult{}, &domain.IntegrityError{Path: path, Expected: expected, Actual: actual}
	}
	result.Checksum = expected
	result.Verified = true
	return result, nil
}

// LoadVerified is Load with verification that also refuses unverifiable bundles.
// Consumers that act on the blob (deploy, evaluate, predict) go through here.
func (s *Store) LoadVerified(ctx context.Context, path string) (LoadResult, error) {
	result, err := s.Load(ctx, path, true)
	if err != nil {
		return LoadResult{}, err
	}
	if !result.Verified {
		return LoadResult{}, fmt.Errorf("artifact %s: %w", path, domain.ErrUnverifiable)
	}
	return result, nil
}

// WriteFiles writes the bundle files into an unpublished directory.
func WriteFiles(dir string, blob []byte, metadata map[string]any, checksum string) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := fsutil.MarshalJSON(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := fsutil.WriteFileSynced(filepath.Join(dir, BlobFile), blob, 0o644); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	if err := fsutil.WriteFileSynced(filepath.Join(dir, MetadataFile), metaJSON, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if checksum != "" {
		if err := fsutil.WriteFileSynced(filepath.Join(dir, ChecksumFile), []byte(checksum+"\n"), 0o644); err != nil {
			return fmt.Errorf("write checksum: %w", err)
		}
	}
	return nil
}

func readBlob(dir string) ([]byte, error) {
	blob, err := os.ReadFile(filepath.Join(dir, BlobFile))
	if errors.Is(err, os.ErrNotExist) {
		blob, err = os.ReadFile(filepath.Join(dir, LegacyBlobFile))
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("model blob: %w", domain.ErrNotFound)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return blob, nil
}

func readMetadata(dir string) (map[string]any, error) {
	raw, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func cloneMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
