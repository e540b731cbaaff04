package ferry

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/driveferry/driveferry/errors"
	"github.com/driveferry/driveferry/logger"
)

// remotePrefixPattern matches a remote scheme prefix like "onedrive:" that
// clients sometimes leave on item paths
var remotePrefixPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*:`)

// ManifestBuilder writes per-job file manifests consumed by the transfer
// tool's --files-from flag. Manifests are ephemeral: one file per job,
// removed as soon as the process exits.
type ManifestBuilder struct {
	dir string
}

// NewManifestBuilder creates a builder writing into dir, creating it if needed
func NewManifestBuilder(dir string) (*ManifestBuilder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create manifest directory %s", dir)
	}
	return &ManifestBuilder{dir: dir}, nil
}

// ValidateItems canonicalizes the item list before it becomes part of the
// job's identity: backslash separators become slashes, remote scheme
// prefixes and leading slashes are stripped, and duplicates are dropped
// keeping first-seen order. Rejects empty items, embedded line breaks, and
// parent-directory traversal.
func ValidateItems(items []string) ([]string, error) {
	if len(items) == 0 {
		return nil, errors.Wrap(errors.ErrEmptyManifest, "no items provided")
	}

	seen := make(map[string]struct{}, len(items))
	normalized := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if strings.Contains(item, "\n") || strings.Contains(item, "\r") {
			return nil, errors.Newf("manifest item contains line break: %q", item)
		}
		item = strings.ReplaceAll(item, "\\", "/")
		item = remotePrefixPattern.ReplaceAllString(item, "")
		item = strings.TrimPrefix(item, "/")
		if item == "" {
			return nil, errors.New("manifest item cannot be empty")
		}
		for _, part := range strings.Split(item, "/") {
			if part == ".." {
				return nil, errors.Newf("manifest item escapes source root: %q", item)
			}
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		normalized = append(normalized, item)
	}
	return normalized, nil
}

// Write creates the manifest file for a job and returns its path. Items
// must already be validated.
func (b *ManifestBuilder) Write(jobID string, items []string) (string, error) {
	if len(items) == 0 {
		return "", errors.Wrap(errors.ErrEmptyManifest, "refusing to write empty manifest")
	}

	path := b.Path(jobID)
	content := strings.Join(items, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write manifest %s", path)
	}

	logger.Debugw("Wrote transfer manifest",
		"job_id", jobID,
		"path", path,
		"items", len(items))

	return path, nil
}

// Path returns the manifest path for a job ID
func (b *ManifestBuilder) Path(jobID string) string {
	return filepath.Join(b.dir, jobID+".txt")
}

// Remove deletes a job's manifest. Missing files are not an error; the
// manifest may already be gone after a crash cleanup.
func (b *ManifestBuilder) Remove(jobID string) {
	path := b.Path(jobID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warnw("Failed to remove manifest",
			"job_id", jobID,
			"path", path,
			"error", err)
	}
}

// Sweep removes all manifest files in the directory. Called at startup to
// clear leftovers from a previous process.
func (b *ManifestBuilder) Sweep() int {
	matches, err := filepath.Glob(filepath.Join(b.dir, "*.txt"))
	if err != nil {
		return 0
	}

	removed := 0
	for _, path := range matches {
		if err := os.Remove(path); err == nil {
			removed++
		}
	}

	if removed > 0 {
		logger.Infow("Swept stale manifests", "removed", removed)
	}
	return removed
}
