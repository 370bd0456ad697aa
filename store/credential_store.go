package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"

	"github.com/jaliph/wa-relay/utils"
)

// CredentialStore persists the linked-device credentials of the relay session
// in a SQLite file managed by whatsmeow.
type CredentialStore struct {
	path      string
	mu        sync.Mutex
	container *sqlstore.Container
}

// DSN builds the sqlite connection string for a store file
func DSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
}

// OpenCredentialStore opens (creating if needed) the store at path, retrying
// while the file is locked by a previous process.
func OpenCredentialStore(ctx context.Context, path string, log waLog.Logger) (*CredentialStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if log == nil {
		log = waLog.Noop
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 20 * time.Second

	var container *sqlstore.Container
	err := backoff.Retry(func() error {
		var err error
		container, err = sqlstore.New(ctx, "sqlite", DSN(path), log)
		if err != nil {
			utils.Logger.Warn("Credential store open failed", "component", "store", "path", path, "error", err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store %s: %w", path, err)
	}

	utils.Logger.Info("Credential store ready", "component", "store", "path", path)
	return &CredentialStore{path: path, container: container}, nil
}

// Device loads the stored device, or a fresh unpaired one when the store is empty.
func (cs *CredentialStore) Device(ctx context.Context) (*store.Device, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	device, err := cs.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	if device.ID == nil {
		utils.Logger.Info("No linked device stored, pairing required", "component", "store")
	}
	return device, nil
}

// Paired reports whether a linked device is stored
func (cs *CredentialStore) Paired(ctx context.Context) (bool, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	devices, err := cs.container.GetAllDevices(ctx)
	if err != nil {
		return false, err
	}
	return len(devices) > 0, nil
}

// Purge deletes every stored device so the next session starts unpaired.
func (cs *CredentialStore) Purge(ctx context.Context) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	devices, err := cs.container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	var errs []error
	for _, device := range devices {
		if err := cs.container.DeleteDevice(ctx, device); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete device %s: %w", device.ID, err))
			continue
		}
		utils.Logger.Info("Deleted stored device", "component", "store", "jid", device.ID.String())
	}
	return errors.Join(errs...)
}

// Close closes the underlying database
func (cs *CredentialStore) Close() error {
	return cs.container.Close()
}
