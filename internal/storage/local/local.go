// Package local implements storage.Store on the local filesystem: each container is a
// directory under the root. Uploads emit in-process notifications, which makes the
// storage re-trigger path usable without a real object store.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/andresmejia3/facestage/internal/storage"
	"github.com/andresmejia3/facestage/internal/types"
)

// Store implements storage.Store and storage.Notifier.
type Store struct {
	root string

	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]storage.Handler
	inflight sync.WaitGroup
}

func NewStore(root string) *Store {
	return &Store{root: root, handlers: make(map[string]map[int]storage.Handler)}
}

func (s *Store) path(container, key string) (string, error) {
	if container == "" || strings.ContainsAny(container, `/\`) || container == "." || container == ".." {
		return "", fmt.Errorf("invalid container %q", container)
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.root, container, clean), nil
}

func (s *Store) Download(ctx context.Context, container, key, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := s.path(container, key)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s/%s: %w", container, key, storage.ErrNotFound)
		}
		return err
	}
	defer in.Close()

	return writeFile(localPath, in)
}

// Upload copies the file into place atomically and then notifies subscribers.
func (s *Store) Upload(ctx context.Context, localPath, container, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := s.path(container, key)
	if err != nil {
		return err
	}
	in, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := writeFile(dst, in); err != nil {
		return err
	}
	s.notify(ctx, types.ObjectRef{Container: container, Key: key})
	return nil
}

// writeFile writes r to a temp file next to dst and renames it, so readers never see a
// partially written object.
func writeFile(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// Subscribe registers h for objects created in container and returns a function that
// removes it. Handlers run asynchronously, one goroutine per notification, mimicking an
// event-triggered invocation.
func (s *Store) Subscribe(container string, h storage.Handler) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	if s.handlers[container] == nil {
		s.handlers[container] = make(map[int]storage.Handler)
	}
	s.handlers[container][id] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers[container], id)
	}
}

// Listen subscribes h until ctx is done. Uploads after that no longer reach h.
func (s *Store) Listen(ctx context.Context, container string, h storage.Handler) error {
	unsubscribe := s.Subscribe(container, h)
	defer unsubscribe()
	<-ctx.Done()
	return nil
}

// Wait blocks until every notification handler fired so far has returned.
func (s *Store) Wait() {
	s.inflight.Wait()
}

func (s *Store) notify(ctx context.Context, ref types.ObjectRef) {
	s.mu.RLock()
	hs := make([]storage.Handler, 0, len(s.handlers[ref.Container]))
	for _, h := range s.handlers[ref.Container] {
		hs = append(hs, h)
	}
	s.mu.RUnlock()

	for _, h := range hs {
		s.inflight.Add(1)
		go func(h storage.Handler) {
			defer s.inflight.Done()
			h(context.WithoutCancel(ctx), ref)
		}(h)
	}
}
