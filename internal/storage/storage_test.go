package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venugopal1902/email-verifier/internal/config"
)

func newTestStorage(t *testing.T) ObjectStore {
	s, err := New(context.Background(), config.StorageConfig{Type: "local", LocalPath: t.TempDir()})
	require.NoError(t, err)
	return s
}

func TestLocalPutOpen(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	key := UploadKey("acct-1", "file-1")
	require.NoError(t, s.Put(ctx, key, strings.NewReader("email\na@example.com\n")))

	rc, err := s.Open(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "email\na@example.com\n", string(body))
}

func TestLocalOpenMissing(t *testing.T) {
	_, err := newTestStorage(t).Open(context.Background(), "acct/none.csv")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalRejectsTraversal(t *testing.T) {
	err := newTestStorage(t).Put(context.Background(), "../escape.csv", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestLocalDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.Put(ctx, "k.csv", strings.NewReader("x")))
	require.NoError(t, s.Delete(ctx, "k.csv"))
	require.NoError(t, s.Delete(ctx, "k.csv"))
}

func TestNewUnknownType(t *testing.T) {
	_, err := New(context.Background(), config.StorageConfig{Type: "ftp"})
	assert.Error(t, err)
}

func TestNewS3RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), config.StorageConfig{Type: "s3"})
	assert.Error(t, err)
}
