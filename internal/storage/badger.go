package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// Badger stores objects in an embedded BadgerDB, keyed by path.
type Badger struct {
	db *badger.DB
}

// badgerLoggerAdapter adapts slog.Logger to badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// NewBadger opens a Badger store at dir, or in memory when dir is empty.
func NewBadger(dir string) (*Badger, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create badger dir: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = &badgerLoggerAdapter{logger: slog.Default().With("component", "badger")}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func objectKey(p string) ([]byte, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	return []byte("obj/" + cleaned), nil
}

func (b *Badger) Upload(_ context.Context, p string, data []byte, _ string) (string, error) {
	key, err := objectKey(p)
	if err != nil {
		return "", err
	}
	err = b.db.Update(func(tx *badger.Txn) error {
		return tx.Set(key, data)
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", p, err)
	}
	return "badger://" + string(key[len("obj/"):]), nil
}

func (b *Badger) Download(_ context.Context, p string) ([]byte, error) {
	key, err := objectKey(p)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = b.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(key)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", p, err)
	}
	return data, nil
}

func (b *Badger) Exists(_ context.Context, p string) (bool, error) {
	key, err := objectKey(p)
	if err != nil {
		return false, err
	}
	err = b.db.View(func(tx *badger.Txn) error {
		_, err := tx.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", p, err)
	}
	return true, nil
}

func (b *Badger) Delete(_ context.Context, p string) error {
	key, err := objectKey(p)
	if err != nil {
		return err
	}
	if err := b.db.Update(func(tx *badger.Txn) error { return tx.Delete(key) }); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

func (b *Badger) PresignedUploadURL(context.Context, string, string, time.Duration) (string, error) {
	return "", ErrPresignUnsupported
}

func (b *Badger) Close() error {
	return b.db.Close()
}

var _ Storage = (*Badger)(nil)
