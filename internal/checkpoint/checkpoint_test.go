package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func setupProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte("console.log(1)"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules", "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_modules", "pkg", "index.js"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SECRET=1"), 0o644))
	return dir
}

func TestCreateExcludesNodeModulesAndDotfiles(t *testing.T) {
	dir := setupProject(t)
	store := NewStore(dir)

	manifest, err := store.Create("pre-build-1", "pre-build", "2026-07-31T00:00:00Z")
	require.NoError(t, err)
	require.Equal(t, 1, manifest.FileCount)
	require.Equal(t, "index.js", manifest.Files[0].RelativePath)
}

func TestRollbackRestoresWithoutDeletingExtras(t *testing.T) {
	dir := setupProject(t)
	store := NewStore(dir)
	_, err := store.Create("1", "snap", "2026-07-31T00:00:00Z")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte("mutated"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.js"), []byte("new file"), 0o644))

	_, err = store.Rollback("1")
	require.NoError(t, err)

	restored, err := os.ReadFile(filepath.Join(dir, "index.js"))
	require.NoError(t, err)
	require.Equal(t, "console.log(1)", string(restored))

	_, err = os.Stat(filepath.Join(dir, "new.js"))
	require.NoError(t, err, "rollback must not delete files created after the checkpoint")
}

func TestListReturnsManifestsInOrder(t *testing.T) {
	dir := setupProject(t)
	store := NewStore(dir)
	_, err := store.Create("1", "first", "2026-07-31T00:00:00Z")
	require.NoError(t, err)
	_, err = store.Create("2", "second", "2026-07-31T00:01:00Z")
	require.NoError(t, err)

	manifests, err := store.List()
	require.NoError(t, err)
	require.Len(t, manifests, 2)
	require.Equal(t, "first", manifests[0].Name)
	require.Equal(t, "second", manifests[1].Name)
}
