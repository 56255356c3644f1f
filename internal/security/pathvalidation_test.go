package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()

	safeDir := filepath.Join(tmpDir, "safe")
	outsideDir := filepath.Join(tmpDir, "outside")
	require.NoError(t, os.MkdirAll(safeDir, 0755))
	require.NoError(t, os.MkdirAll(outsideDir, 0755))

	secret := filepath.Join(outsideDir, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("secret"), 0644))

	// A symlink planted inside the safe directory that points out.
	link := filepath.Join(safeDir, "link")
	require.NoError(t, os.Symlink(outsideDir, link))

	tests := []struct {
		name    string
		path    string
		dir     string
		wantErr bool
	}{
		{"file inside", filepath.Join(safeDir, "curve_1.png"), safeDir, false},
		{"nested path inside", filepath.Join(safeDir, "run", "curve_1.png"), safeDir, false},
		{"dot-dot traversal", filepath.Join(safeDir, "..", "outside", "secret.txt"), safeDir, true},
		{"relative traversal", "../../../etc/passwd", safeDir, true},
		{"absolute path outside", "/etc/passwd", safeDir, true},
		{"through planted symlink", filepath.Join(link, "secret.txt"), safeDir, true},
		{"the symlink itself", link, safeDir, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, tt.dir)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPlotFilePath(t *testing.T) {
	dir := t.TempDir()

	full, err := PlotFilePath(dir, "curve_1.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "curve_1.png"), full)

	for _, name := range []string{
		"",
		".",
		"..",
		"../secret.txt",
		"sub/curve_1.png",
		"/etc/passwd",
	} {
		_, err := PlotFilePath(dir, name)
		assert.Error(t, err, "name %q should be rejected", name)
	}
}

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"run-0042", "run-0042"},
		{"2026-08-25T06:00:00Z", "2026-08-25T06_00_00Z"},
		{"../../etc/passwd", "etc_passwd"},
		{"a  b//c", "a_b_c"},
		{"", "unknown"},
		{"///", "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), "input %q", tt.in)
	}
}
