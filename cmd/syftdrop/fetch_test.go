package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchDest(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "taken.mp3")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0o644))

	tests := []struct {
		name    string
		args    []string
		force   bool
		want    string
		wantErr bool
	}{
		{"download dir", nil, false, filepath.Join(dir, "song.mp3"), false},
		{"explicit file", []string{filepath.Join(dir, "renamed.mp3")}, false, filepath.Join(dir, "renamed.mp3"), false},
		{"into directory", []string{dir}, false, filepath.Join(dir, "song.mp3"), false},
		{"existing file", []string{existing}, false, "", true},
		{"existing file forced", []string{existing}, true, existing, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fetchDest("uploads/abc/song.mp3", dir, tt.args, tt.force)
			if tt.wantErr {
				assert.ErrorContains(t, err, "already exists")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
