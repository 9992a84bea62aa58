// internal/actions/project_test.go
package actions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindProjectDirExactMatch(t *testing.T) {
	warehouse := t.TempDir()
	exact := filepath.Join(warehouse, "Todo_Acme_20240101_120000")
	require.NoError(t, os.Mkdir(exact, 0o755))

	got := FindProjectDir(warehouse, "Todo", "Acme", "20240101_120000")
	assert.Equal(t, exact, got)
}

func TestFindProjectDirPrefixFallback(t *testing.T) {
	warehouse := t.TempDir()
	older := filepath.Join(warehouse, "Todo_Acme_20230601_080000")
	require.NoError(t, os.Mkdir(older, 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(warehouse, "Other_Acme_20240101_120000"), 0o755))

	// Requested timestamp does not exist, the name prefix still resolves
	got := FindProjectDir(warehouse, "Todo", "Acme", "20240101_120000")
	assert.Equal(t, older, got)
}

func TestFindProjectDirMissingWarehouse(t *testing.T) {
	got := FindProjectDir("/nonexistent/warehouse", "Todo", "Acme", "x")
	assert.Empty(t, got)
}

func TestFindProjectDirNoMatch(t *testing.T) {
	warehouse := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(warehouse, "Other_Acme_1"), 0o755))

	got := FindProjectDir(warehouse, "Todo", "Acme", "")
	assert.Empty(t, got)
}

func TestPrepareProjectSynthesizesFiles(t *testing.T) {
	projectDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "app.py"), []byte("print('hi')\n"), 0o644))

	require.NoError(t, PrepareProject(projectDir))

	assert.FileExists(t, filepath.Join(projectDir, "requirements.txt"))
	assert.FileExists(t, filepath.Join(projectDir, "pyproject.toml"))

	// app.py was promoted to the main.py entry point
	data, err := os.ReadFile(filepath.Join(projectDir, "main.py"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "print('hi')")
}

func TestPrepareProjectKeepsExistingFiles(t *testing.T) {
	projectDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "main.py"), []byte("original"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "requirements.txt"), []byte("requests\n"), 0o644))

	require.NoError(t, PrepareProject(projectDir))

	data, err := os.ReadFile(filepath.Join(projectDir, "requirements.txt"))
	require.NoError(t, err)
	assert.Equal(t, "requests\n", string(data))
}

func TestPrepareProjectNoPythonFiles(t *testing.T) {
	assert.Error(t, PrepareProject(t.TempDir()))
}

func TestPrepareProjectMissingDirectory(t *testing.T) {
	assert.Error(t, PrepareProject("/nonexistent/project"))
}
