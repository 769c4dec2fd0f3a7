package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyWithCollisionHandlingCopiesFile(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()
	src := filepath.Join(srcDir, "chart.png")
	require.NoError(t, os.WriteFile(src, []byte("image-bytes"), 0o640))

	dest, err := copyWithCollisionHandling(src, destDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destDir, "chart.png"), dest)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(data))
}

func TestCopyWithCollisionHandlingReturnsExistingIdenticalFile(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()
	src := filepath.Join(srcDir, "chart.png")
	require.NoError(t, os.WriteFile(src, []byte("same"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "chart.png"), []byte("same"), 0o640))

	dest, err := copyWithCollisionHandling(src, destDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destDir, "chart.png"), dest)
}

func TestCopyWithCollisionHandlingAppendsSuffixOnSizeMismatch(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()
	src := filepath.Join(srcDir, "chart.png")
	require.NoError(t, os.WriteFile(src, []byte("new-content"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "chart.png"), []byte("different-size!!"), 0o640))

	dest, err := copyWithCollisionHandling(src, destDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destDir, "chart_1.png"), dest)
}

func TestRewriteResultPathsUpdatesTextFields(t *testing.T) {
	result := map[string]any{
		"response": "see /app/out/chart.png for details",
		"other":    42,
	}
	rewriteResultPaths(result, "/app/out/chart.png", "/data/citations/chart.png")
	assert.Equal(t, "see /data/citations/chart.png for details", result["response"])
	assert.Equal(t, 42, result["other"])
}
