package kv

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ssvlabs/keymanager/logging"
	"github.com/ssvlabs/keymanager/storage/basedb"
)

// BadgerDB struct
type BadgerDB struct {
	logger *zap.Logger
	db     *badger.DB

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a persistent DB instance.
func New(logger *zap.Logger, options basedb.Options) (*BadgerDB, error) {
	return createDB(logger, options, false)
}

// NewInMemory creates an in-memory DB instance.
func NewInMemory(logger *zap.Logger, options basedb.Options) (*BadgerDB, error) {
	return createDB(logger, options, true)
}

func createDB(logger *zap.Logger, options basedb.Options, inMemory bool) (*BadgerDB, error) {
	opt := badger.DefaultOptions(options.Path)

	if inMemory {
		opt.InMemory = true
		opt.Dir = ""
		opt.ValueDir = ""
	}

	opt.ValueLogFileSize = 1024 * 1024 * 100 // TODO: we might want to make this configurable
	opt.Logger = newLogger(logger.Named(logging.NameBadgerDBLog))

	db, err := badger.Open(opt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open badger")
	}

	ctx := options.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	badgerDB := &BadgerDB{
		logger: logger,
		db:     db,
		ctx:    ctx,
		cancel: cancel,
	}

	if options.Reporting {
		badgerDB.wg.Add(1)
		go badgerDB.periodicallyReport(1 * time.Minute)
	}
	if options.GCInterval > 0 {
		badgerDB.wg.Add(1)
		go badgerDB.periodicallyCollectGarbage(options.GCInterval)
	}

	return badgerDB, nil
}

// Set saves value with key to storage.
func (b *BadgerDB) Set(prefix []byte, key []byte, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(append(prefix, key...), value)
	})
}

// Get returns value for specified key.
func (b *BadgerDB) Get(prefix []byte, key []byte) (basedb.Obj, bool, error) {
	var resValue []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(append(prefix, key...))
		if err != nil {
			return err
		}
		resValue, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return basedb.Obj{}, false, nil
	}
	if err != nil {
		return basedb.Obj{}, true, err
	}
	return basedb.Obj{
		Key:   key,
		Value: resValue,
	}, true, nil
}

// GetAll returns all the items of a given collection.
func (b *BadgerDB) GetAll(prefix []byte, handler func(int, basedb.Obj) error) error {
	// we got issues when reading more than 100 items with iterator (items get mixed up)
	// instead, the keys are first fetched using an iterator, and afterwards the values are fetched one by one
	// to avoid issues
	err := b.db.View(func(txn *badger.Txn) error {
		rawKeys := b.listRawKeys(prefix, txn)
		for i, k := range rawKeys {
			trimmedResKey := bytes.TrimPrefix(k, prefix)
			item, err := txn.Get(k)
			if err != nil {
				return errors.Wrapf(err, "failed to get value for key %s", string(trimmedResKey))
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return errors.Wrapf(err, "failed to copy value for key %s", string(trimmedResKey))
			}
			if err := handler(i, basedb.Obj{
				Key:   trimmedResKey,
				Value: val,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

// Delete key in specific prefix.
func (b *BadgerDB) Delete(prefix []byte, key []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(append(prefix, key...))
	})
}

// CountPrefix returns the number of keys under the given prefix.
func (b *BadgerDB) CountPrefix(prefix []byte) (int64, error) {
	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.Prefix = prefix
		opt.PrefetchValues = false
		it := txn.NewIterator(opt)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// DropPrefix deletes all items under the given prefix.
func (b *BadgerDB) DropPrefix(prefix []byte) error {
	return b.db.DropPrefix(prefix)
}

// Update applies the given function within a single read-write transaction.
func (b *BadgerDB) Update(fn func(basedb.ReadWriter) error) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return fn(newTxn(txn))
	})
}

// Close closes the database.
func (b *BadgerDB) Close() error {
	b.cancel()
	b.wg.Wait()
	if err := b.db.Close(); err != nil {
		b.logger.Fatal("failed to close db", zap.Error(err))
	}
	return nil
}

func (b *BadgerDB) listRawKeys(prefix []byte, txn *badger.Txn) [][]byte {
	var keys [][]byte

	opt := badger.DefaultIteratorOptions
	opt.Prefix = prefix
	opt.PrefetchValues = false
	it := txn.NewIterator(opt)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		keys = append(keys, item.KeyCopy(nil))
	}

	return keys
}

// periodicallyReport reports on db size and metrics periodically
func (b *BadgerDB) periodicallyReport(interval time.Duration) {
	defer b.wg.Done()
	logger := b.logger.Named(logging.NameBadgerDBReporting)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			lsm, vlog := b.db.Size()
			blockCache := b.db.BlockCacheMetrics()
			indexCache := b.db.IndexCacheMetrics()
			logger.Debug("BadgerDBReport", zap.Int64("lsm", lsm), zap.Int64("vlog", vlog),
				zap.String("blockCache", blockCache.String()),
				zap.String("indexCache", indexCache.String()))
		case <-b.ctx.Done():
			return
		}
	}
}
