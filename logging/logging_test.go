package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriter_RotatesPastMaxSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	rw, err := Setup(path, "info")
	require.NoError(t, err)
	defer rw.Close()

	rw.maxSize = 16
	_, err = rw.Write([]byte("0123456789abcdefXYZ"))
	require.NoError(t, err)

	_, err = os.Stat(path + ".1")
	assert.NoError(t, err, "backup file should exist after rotation")
	assert.Equal(t, int64(0), rw.size)

	_, err = rw.Write([]byte("next"))
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "next", string(data))
}
