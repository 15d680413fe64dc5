package storage

import (
	"context"
	"errors"
	"testing"
)

func newStores(t *testing.T) map[string]BlobStore {
	t.Helper()

	local, err := NewLocalStorage(t.TempDir(), "calls")
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	mem, err := NewInMemoryBadgerStore("calls")
	if err != nil {
		t.Fatalf("NewInMemoryBadgerStore: %v", err)
	}
	disk, err := NewBadgerStore(t.TempDir(), "calls")
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}

	stores := map[string]BlobStore{"local": local, "badger-memory": mem, "badger-disk": disk}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestBlobStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			if store.Bucket() != "calls" {
				t.Fatalf("unexpected bucket %q", store.Bucket())
			}
			if err := store.Put(ctx, "output/call/call.json", []byte(`{"a":1}`), "application/json"); err != nil {
				t.Fatalf("Put: %v", err)
			}

			data, err := store.Get(ctx, "output/call/call.json")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(data) != `{"a":1}` {
				t.Fatalf("unexpected data %q", data)
			}

			info, err := store.Stat(ctx, "output/call/call.json")
			if err != nil {
				t.Fatalf("Stat: %v", err)
			}
			if info.Size != 7 || info.ContentType != "application/json" || info.LastModified.IsZero() {
				t.Fatalf("unexpected info %#v", info)
			}

			if err := store.Delete(ctx, "output/call/call.json"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := store.Get(ctx, "output/call/call.json"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
			if _, err := store.Stat(ctx, "output/call/call.json"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound from Stat, got %v", err)
			}
			if err := store.Delete(ctx, "output/call/call.json"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound from second Delete, got %v", err)
			}
		})
	}
}

func TestBlobStoreListAndDeletePrefix(t *testing.T) {
	ctx := context.Background()
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"output/a/chunks/0.wav", "output/a/chunks/1.wav", "output/a/groups", "output/b/chunks/0.wav"} {
				if err := store.Put(ctx, key, []byte("x"), "audio/wav"); err != nil {
					t.Fatalf("Put %s: %v", key, err)
				}
			}

			objects, err := store.List(ctx, "output/a/chunks/")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(objects) != 2 || objects[0].Key != "output/a/chunks/0.wav" || objects[1].Key != "output/a/chunks/1.wav" {
				t.Fatalf("unexpected listing %#v", objects)
			}

			removed, err := DeletePrefix(ctx, store, "output/a/chunks/")
			if err != nil {
				t.Fatalf("DeletePrefix: %v", err)
			}
			if removed != 2 {
				t.Fatalf("expected 2 removed, got %d", removed)
			}
			if _, err := store.Get(ctx, "output/a/groups"); err != nil {
				t.Fatalf("sibling blob should survive: %v", err)
			}
			if _, err := store.Get(ctx, "output/b/chunks/0.wav"); err != nil {
				t.Fatalf("other prefix should survive: %v", err)
			}
		})
	}
}

func TestLocalStorageRejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(t.TempDir(), "calls")
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}

	if err := store.Put(ctx, "../../etc/passwd", []byte("x"), ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// the key is confined below the root
	if _, err := store.Get(ctx, "etc/passwd"); err != nil {
		t.Fatalf("expected confined key to be readable: %v", err)
	}
	if err := store.Put(ctx, "", []byte("x"), ""); err == nil {
		t.Fatal("expected empty key to be rejected")
	}
	if err := store.Put(ctx, "a.meta.json", []byte("x"), ""); err == nil {
		t.Fatal("expected reserved suffix to be rejected")
	}
}

func TestArtifactFilesSkipsMissing(t *testing.T) {
	ctx := context.Background()
	store, err := NewInMemoryBadgerStore("calls")
	if err != nil {
		t.Fatalf("NewInMemoryBadgerStore: %v", err)
	}
	defer store.Close()

	if err := store.Put(ctx, "output/a/a.json", []byte(`{}`), "application/json"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	files, err := ArtifactFiles(ctx, store, "output/a/a.json", "output/a/sentiment.json")
	if err != nil {
		t.Fatalf("ArtifactFiles: %v", err)
	}
	if len(files) != 1 || files[0].Name != "a.json" {
		t.Fatalf("unexpected files %#v", files)
	}
}

func TestSanitizeName(t *testing.T) {
	if got := sanitizeName("a/b:c"); got != "a_b_c" {
		t.Fatalf("sanitizeName = %q", got)
	}
	if got := sanitizeName(""); got != "untitled" {
		t.Fatalf("sanitizeName(empty) = %q", got)
	}
}
