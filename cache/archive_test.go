package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeObjectStore is an in-memory stand-in for GCS, used because the
// archive tier depends on objectStore through an interface specifically
// so tests never need real Cloud Storage credentials.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func objectKey(bucket, object string) string { return bucket + "/" + object }

type fakeWriter struct {
	store  *fakeObjectStore
	key    string
	buf    bytes.Buffer
}

func (w *fakeWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *fakeWriter) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.objects[w.key] = append([]byte(nil), w.buf.Bytes()...)
	return nil
}

func (s *fakeObjectStore) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return &fakeWriter{store: s, key: objectKey(bucket, object)}
}

func (s *fakeObjectStore) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[objectKey(bucket, object)]
	if !ok {
		return nil, storage.ErrObjectNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeObjectStore) Delete(ctx context.Context, bucket, object string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := objectKey(bucket, object)
	if _, ok := s.objects[key]; !ok {
		return storage.ErrObjectNotExist
	}
	delete(s.objects, key)
	return nil
}

func TestArchiveTierPutGetDelete(t *testing.T) {
	store := newFakeObjectStore()
	tier := newArchiveTier(store, "bucket")
	ctx := context.Background()

	_, ok, err := tier.get(ctx, "fp1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tier.put(ctx, "fp1", []byte("archived")))

	data, ok, err := tier.get(ctx, "fp1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("archived"), data)

	require.NoError(t, tier.delete(ctx, "fp1"))
	_, ok, err = tier.get(ctx, "fp1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArchiveTierDeleteMissingIsNotAnError(t *testing.T) {
	store := newFakeObjectStore()
	tier := newArchiveTier(store, "bucket")
	err := tier.delete(context.Background(), "missing")
	assert.True(t, err == nil || errors.Is(err, storage.ErrObjectNotExist))
}
