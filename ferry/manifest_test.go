package ferry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveferry/driveferry/errors"
)

func newTestBuilder(t *testing.T) *ManifestBuilder {
	t.Helper()
	b, err := NewManifestBuilder(filepath.Join(t.TempDir(), "manifests"))
	require.NoError(t, err)
	return b
}

func TestValidateItems(t *testing.T) {
	items, err := ValidateItems([]string{"/Documents/a.txt", " b.txt ", "dir/c.txt"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Documents/a.txt", "b.txt", "dir/c.txt"}, items)
}

func TestValidateItemsCanonicalizes(t *testing.T) {
	// Scheme prefixes and backslash separators collapse onto the plain form
	items, err := ValidateItems([]string{
		"onedrive:Documents/a.txt",
		"Documents\\b.txt",
		"/Documents/c.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Documents/a.txt", "Documents/b.txt", "Documents/c.txt"}, items)
}

func TestValidateItemsDeduplicates(t *testing.T) {
	// Duplicates drop after canonicalization, keeping first-seen order
	items, err := ValidateItems([]string{
		"b.txt",
		"a.txt",
		"/a.txt",
		"onedrive:b.txt",
		"a.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b.txt", "a.txt"}, items)
}

func TestValidateItemsRejections(t *testing.T) {
	_, err := ValidateItems(nil)
	assert.True(t, errors.Is(err, errors.ErrEmptyManifest))

	_, err = ValidateItems([]string{"ok.txt", ""})
	assert.Error(t, err)

	_, err = ValidateItems([]string{"../etc/passwd"})
	assert.Error(t, err)

	_, err = ValidateItems([]string{"dir/../../escape.txt"})
	assert.Error(t, err)

	_, err = ValidateItems([]string{"a.txt\nb.txt"})
	assert.Error(t, err)
}

func TestManifestWriteAndRemove(t *testing.T) {
	b := newTestBuilder(t)

	path, err := b.Write("job123", []string{"a.txt", "dir/b.txt"})
	require.NoError(t, err)
	assert.Equal(t, b.Path("job123"), path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a.txt\ndir/b.txt\n", string(content))

	b.Remove("job123")
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Removing again is harmless
	b.Remove("job123")
}

func TestManifestWriteEmptyRejected(t *testing.T) {
	b := newTestBuilder(t)
	_, err := b.Write("job123", nil)
	assert.True(t, errors.Is(err, errors.ErrEmptyManifest))
}

func TestManifestSweep(t *testing.T) {
	b := newTestBuilder(t)

	_, err := b.Write("a", []string{"x"})
	require.NoError(t, err)
	_, err = b.Write("b", []string{"y"})
	require.NoError(t, err)

	removed := b.Sweep()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, b.Sweep())
}
