package kv

import (
	"bytes"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/ssvlabs/keymanager/storage/basedb"
)

// badgerTxn wraps a badger transaction as a basedb.ReadWriter,
// so that multi-key mutations commit or fail as one unit.
type badgerTxn struct {
	txn *badger.Txn
}

func newTxn(txn *badger.Txn) basedb.ReadWriter {
	return badgerTxn{txn: txn}
}

func (t badgerTxn) Set(prefix []byte, key []byte, value []byte) error {
	return t.txn.Set(append(prefix, key...), value)
}

func (t badgerTxn) Get(prefix []byte, key []byte) (basedb.Obj, bool, error) {
	var resValue []byte
	item, err := t.txn.Get(append(prefix, key...))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return basedb.Obj{}, false, nil
	}
	if err != nil {
		return basedb.Obj{}, true, err
	}
	resValue, err = item.ValueCopy(nil)
	if err != nil {
		return basedb.Obj{}, true, err
	}
	return basedb.Obj{
		Key:   key,
		Value: resValue,
	}, true, nil
}

func (t badgerTxn) GetAll(prefix []byte, handler func(int, basedb.Obj) error) error {
	opt := badger.DefaultIteratorOptions
	opt.Prefix = prefix
	it := t.txn.NewIterator(opt)
	defer it.Close()

	i := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return errors.Wrap(err, "failed to copy value")
		}
		if err := handler(i, basedb.Obj{
			Key:   bytes.TrimPrefix(item.KeyCopy(nil), prefix),
			Value: val,
		}); err != nil {
			return err
		}
		i++
	}
	return nil
}

func (t badgerTxn) Delete(prefix []byte, key []byte) error {
	return t.txn.Delete(append(prefix, key...))
}
