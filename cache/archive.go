package cache

import (
	"bytes"
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"
)

// objectStore is the subset of a GCS client the archive tier depends on,
// narrowed to an interface so tests can substitute a fake rather than
// talking to real Cloud Storage — the same wrapping-interface shape the
// teacher's GCS-backed controllers use around *storage.Client.
type objectStore interface {
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, object string) error
}

// gcsObjectStore is the production objectStore, backed by a real
// *storage.Client.
type gcsObjectStore struct {
	client *storage.Client
}

func newGCSObjectStore(client *storage.Client) *gcsObjectStore {
	return &gcsObjectStore{client: client}
}

func (s *gcsObjectStore) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return s.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (s *gcsObjectStore) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return s.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (s *gcsObjectStore) Delete(ctx context.Context, bucket, object string) error {
	return s.client.Bucket(bucket).Object(object).Delete(ctx)
}

// archiveTier is the coldest, largest cache tier (C4): durable
// object-storage-backed, for entries that overflow the shared tier's
// practical size or are rarely re-read.
type archiveTier struct {
	store  objectStore
	bucket string
}

func newArchiveTier(store objectStore, bucket string) *archiveTier {
	return &archiveTier{store: store, bucket: bucket}
}

func archiveObjectName(fingerprint string) string {
	return "cache/" + fingerprint
}

func (t *archiveTier) get(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	r, err := t.store.NewReader(ctx, t.bucket, archiveObjectName(fingerprint))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (t *archiveTier) put(ctx context.Context, fingerprint string, data []byte) error {
	w := t.store.NewWriter(ctx, t.bucket, archiveObjectName(fingerprint))
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (t *archiveTier) delete(ctx context.Context, fingerprint string) error {
	err := t.store.Delete(ctx, t.bucket, archiveObjectName(fingerprint))
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}
