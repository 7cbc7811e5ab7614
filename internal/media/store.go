// Package media stages media blobs awaiting upload, addressed by
// their SHA-256 checksum. Identical captures are stored once; the
// checksum is what travels in the media asset payload.
package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roamlog/roamlog/internal/models"
)

// Store is a content-addressed blob staging area on local disk. Blobs
// live at baseDir/{sum[0:2]}/{sum[2:4]}/{sum}.
type Store struct {
	baseDir string
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stages a blob and returns its checksum. Re-staging identical
// content is a no-op.
func (s *Store) Put(data []byte) (string, error) {
	sum := Checksum(data)

	dir := filepath.Join(s.baseDir, sum[0:2], sum[2:4])
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}

	path := filepath.Join(dir, sum)
	if _, err := os.Stat(path); err == nil {
		return sum, nil
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	return sum, nil
}

// Get returns a staged blob and verifies it against its checksum, so
// disk corruption never reaches an upload.
func (s *Store) Get(sum string) ([]byte, error) {
	path, err := s.path(sum)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s not staged: %w", sum, err)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	if got := Checksum(data); got != sum {
		return nil, fmt.Errorf("blob %s corrupted on disk (checksum %s)", sum, got)
	}
	return data, nil
}

// Has reports whether a blob is staged.
func (s *Store) Has(sum string) bool {
	path, err := s.path(sum)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Remove drops a staged blob after its upload was confirmed. Removing
// an absent blob is not an error.
func (s *Store) Remove(sum string) error {
	path, err := s.path(sum)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to remove blob: %w", err)
	}
	// Prune empty shard directories.
	dir := filepath.Dir(path)
	os.Remove(dir)
	os.Remove(filepath.Dir(dir))
	return nil
}

// StageAsset verifies data against the asset's declared checksum and
// stages it. A declared checksum that does not match the bytes is
// rejected before anything touches disk.
func (s *Store) StageAsset(asset *models.MediaAssetFields, data []byte) (string, error) {
	sum := Checksum(data)
	if asset.Checksum != "" && asset.Checksum != sum {
		return "", fmt.Errorf("asset checksum %s does not match content %s", asset.Checksum, sum)
	}
	if asset.SizeBytes != 0 && asset.SizeBytes != int64(len(data)) {
		return "", fmt.Errorf("asset size %d does not match content %d", asset.SizeBytes, len(data))
	}
	return s.Put(data)
}

func (s *Store) path(sum string) (string, error) {
	if len(sum) < 4 {
		return "", fmt.Errorf("malformed checksum %q", sum)
	}
	return filepath.Join(s.baseDir, sum[0:2], sum[2:4], sum), nil
}
