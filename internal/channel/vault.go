package channel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

var ErrSecretNotFound = errors.New("secret not found")

// Vault is the scoped secret interface. Encryption at rest is the backing
// store's concern; this layer only reads and writes opaque secrets.
type Vault interface {
	Store(ctx context.Context, tenantID, secret string) error
	Retrieve(ctx context.Context, tenantID string) (string, error)
}

type InMemoryVault struct {
	mu      sync.Mutex
	secrets map[string]string
}

func NewInMemoryVault() *InMemoryVault {
	return &InMemoryVault{secrets: map[string]string{}}
}

func (v *InMemoryVault) Store(_ context.Context, tenantID, secret string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" || secret == "" {
		return ErrInvalidInput
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[tenantID] = secret
	return nil
}

func (v *InMemoryVault) Retrieve(_ context.Context, tenantID string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", ErrInvalidInput
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	secret, ok := v.secrets[tenantID]
	if !ok {
		return "", ErrSecretNotFound
	}
	return secret, nil
}

// FileVault keeps one secret file per tenant under a directory that an
// external secret manager may rewrite out-of-band. Reads are cached; an
// fsnotify watcher invalidates cache entries when files change on disk.
type FileVault struct {
	dir     string
	mu      sync.Mutex
	cache   map[string]string
	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

func NewFileVault(dir string) (*FileVault, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	v := &FileVault{
		dir:     dir,
		cache:   map[string]string{},
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go v.watch()
	return v, nil
}

func (v *FileVault) watch() {
	for {
		select {
		case <-v.done:
			return
		case event, ok := <-v.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, ".secret") {
				continue
			}
			tenantID := strings.TrimSuffix(name, ".secret")
			v.mu.Lock()
			delete(v.cache, tenantID)
			v.mu.Unlock()
		case _, ok := <-v.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (v *FileVault) secretPath(tenantID string) (string, error) {
	if tenantID == "" || strings.ContainsAny(tenantID, `/\`) || tenantID == "." || tenantID == ".." {
		return "", ErrInvalidInput
	}
	return filepath.Join(v.dir, tenantID+".secret"), nil
}

func (v *FileVault) Store(_ context.Context, tenantID, secret string) error {
	tenantID = strings.TrimSpace(tenantID)
	if secret == "" {
		return ErrInvalidInput
	}
	path, err := v.secretPath(tenantID)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(secret), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	v.mu.Lock()
	v.cache[tenantID] = secret
	v.mu.Unlock()
	return nil
}

func (v *FileVault) Retrieve(_ context.Context, tenantID string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	path, err := v.secretPath(tenantID)
	if err != nil {
		return "", err
	}
	v.mu.Lock()
	if secret, ok := v.cache[tenantID]; ok {
		v.mu.Unlock()
		return secret, nil
	}
	v.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrSecretNotFound
		}
		return "", err
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", ErrSecretNotFound
	}
	v.mu.Lock()
	v.cache[tenantID] = secret
	v.mu.Unlock()
	return secret, nil
}

func (v *FileVault) Close() error {
	v.once.Do(func() {
		close(v.done)
	})
	return v.watcher.Close()
}
