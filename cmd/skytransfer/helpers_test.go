package main

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/skytransfer/internal/manifest"
)

func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	photos := filepath.Join(dir, "photos")
	require.NoError(t, os.MkdirAll(filepath.Join(photos, "2024"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(photos, ".cache"), 0o755))
	for _, p := range []string{"photos/2024/a.jpg", "photos/b.jpg", "photos/.DS_Store", "photos/.cache/x", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, filepath.FromSlash(p)), []byte(p), 0o644))
	}

	files, err := collectFiles([]string{photos, filepath.Join(dir, "notes.txt")})
	require.NoError(t, err)

	var rel []string
	for _, f := range files {
		rel = append(rel, f.relativePath)
	}
	sort.Strings(rel)
	assert.Equal(t, []string{"notes.txt", "photos/2024/a.jpg", "photos/b.jpg"}, rel)

	_, err = collectFiles([]string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

func TestOutputPath(t *testing.T) {
	tests := []struct {
		rel     string
		want    string
		wantErr bool
	}{
		{rel: "a.txt", want: filepath.Join("out", "a.txt")},
		{rel: "photos/2024/a.jpg", want: filepath.Join("out", "photos", "2024", "a.jpg")},
		{rel: "../escape.txt", wantErr: true},
		{rel: "photos/../../escape.txt", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			got, err := outputPath("out", tt.rel)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelectFiles(t *testing.T) {
	m := manifest.New(
		manifest.EncryptedFileReference{UUID: "u1", RelativePath: "a.txt"},
		manifest.EncryptedFileReference{UUID: "u2", RelativePath: "dir/b.txt"},
	)

	refs, err := selectFiles(m, []string{"u1", "dir/b.txt"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, []string{refs[0].UUID, refs[1].UUID})

	refs, err = selectFiles(m, nil, true)
	require.NoError(t, err)
	assert.Len(t, refs, 2)

	_, err = selectFiles(m, []string{"nope"}, false)
	assert.ErrorIs(t, err, manifest.ErrFileNotFound)
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "512 B", humanSize(512))
	assert.Equal(t, "1.0 KiB", humanSize(1024))
	assert.Equal(t, "1.5 MiB", humanSize(3<<19))
}
