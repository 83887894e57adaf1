package s3

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/facestage/internal/storage"
)

func TestIntegration_S3Store(t *testing.T) {
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		t.Skip("Skipping S3 integration test: S3_BUCKET not set")
	}

	ctx := context.Background()
	client, err := NewClient(ctx, Options{
		Region:   os.Getenv("AWS_REGION"),
		Endpoint: os.Getenv("STORAGE_ENDPOINT"),
	})
	require.NoError(t, err)
	s := NewStore(client)

	dir := t.TempDir()
	src := filepath.Join(dir, "clip_03.txt")
	require.NoError(t, os.WriteFile(src, []byte("carol"), 0o644))

	key := fmt.Sprintf("facestage-test-%d/clip_03.txt", time.Now().UnixNano())
	require.NoError(t, s.Upload(ctx, src, bucket, key))

	dst := filepath.Join(dir, "out", "clip_03.txt")
	require.NoError(t, s.Download(ctx, bucket, key, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "carol", string(data))

	err = s.Download(ctx, bucket, key+".missing", filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoFileExists(t, filepath.Join(dir, "missing"))
}
