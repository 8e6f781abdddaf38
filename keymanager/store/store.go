package store

import (
	"encoding/json"
	"sync"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ssvlabs/keymanager/logging"
	"github.com/ssvlabs/keymanager/storage/basedb"
)

const (
	prefix       = "keymanager_data-"
	localPrefix  = prefix + "local-"
	lockPrefix   = prefix + "lock-"
	remotePrefix = prefix + "remote-"
)

var (
	// ErrAlreadyExists is returned when a record exists and overwriting was not requested.
	ErrAlreadyExists = errors.New("key already exists in the key store")
	// ErrKeyLocked is returned when the key's exclusive lock is held.
	ErrKeyLocked = errors.New("key is locked by another writer")

	lockedFlag = []byte{1}
)

// WriteOptions controls how a key record is written.
type WriteOptions struct {
	// LockBeforeWrite acquires the key's exclusive lock before the record
	// is written, within the same transaction.
	LockBeforeWrite bool
	// OverwriteIfDuplicate writes regardless of the store's own duplicate
	// bookkeeping. Callers set it when an authoritative duplicate check has
	// already been performed elsewhere.
	OverwriteIfDuplicate bool
}

// RemoteKeyRecord is the persisted descriptor of a remote signer.
type RemoteKeyRecord struct {
	PubKey phase0.BLSPubKey `json:"pubkey"`
	URL    string           `json:"url"`
}

// Storage is the durable counterpart of the signer registry. Records survive
// process restarts; the in-memory registry is rehydrated from them at startup.
type Storage interface {
	SaveLocalKey(pubKey phase0.BLSPubKey, keystoreJSON []byte, opts WriteOptions) error
	GetLocalKey(pubKey phase0.BLSPubKey) ([]byte, bool, error)
	ListLocalKeys() ([]phase0.BLSPubKey, error)
	DeleteLocalKey(pubKey phase0.BLSPubKey) (bool, error)
	IsLocked(pubKey phase0.BLSPubKey) (bool, error)

	SaveRemoteKey(pubKey phase0.BLSPubKey, url string, opts WriteOptions) error
	GetRemoteKey(pubKey phase0.BLSPubKey) (RemoteKeyRecord, bool, error)
	ListRemoteKeys() ([]RemoteKeyRecord, error)
	DeleteRemoteKey(pubKey phase0.BLSPubKey) (bool, error)
}

type storage struct {
	logger *zap.Logger
	db     basedb.Database
	lock   sync.RWMutex
}

func New(logger *zap.Logger, db basedb.Database) Storage {
	return &storage{
		logger: logger.Named(logging.NameKeyStore),
		db:     db,
	}
}

// SaveLocalKey persists an encrypted keystore blob for the given key.
// The lock and the blob are written in one transaction, so a key is never
// durable without its lock.
func (s *storage) SaveLocalKey(pubKey phase0.BLSPubKey, keystoreJSON []byte, opts WriteOptions) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.db.Update(func(rw basedb.ReadWriter) error {
		_, locked, err := rw.Get([]byte(lockPrefix), pubKey[:])
		if err != nil {
			return errors.Wrap(err, "could not read key lock")
		}
		if locked && !opts.OverwriteIfDuplicate {
			return ErrKeyLocked
		}

		_, found, err := rw.Get([]byte(localPrefix), pubKey[:])
		if err != nil {
			return errors.Wrap(err, "could not read existing keystore")
		}
		if found && !opts.OverwriteIfDuplicate {
			return ErrAlreadyExists
		}

		if opts.LockBeforeWrite {
			if err := rw.Set([]byte(lockPrefix), pubKey[:], lockedFlag); err != nil {
				return errors.Wrap(err, "could not acquire key lock")
			}
		}

		return rw.Set([]byte(localPrefix), pubKey[:], keystoreJSON)
	})
}

func (s *storage) GetLocalKey(pubKey phase0.BLSPubKey) ([]byte, bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	obj, found, err := s.db.Get([]byte(localPrefix), pubKey[:])
	if err != nil {
		return nil, found, errors.Wrap(err, "could not get keystore from db")
	}
	if !found {
		return nil, false, nil
	}
	return obj.Value, true, nil
}

func (s *storage) ListLocalKeys() ([]phase0.BLSPubKey, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var pubKeys []phase0.BLSPubKey
	err := s.db.GetAll([]byte(localPrefix), func(i int, obj basedb.Obj) error {
		if len(obj.Key) != len(phase0.BLSPubKey{}) {
			return errors.Errorf("malformed key of length %d", len(obj.Key))
		}
		pubKeys = append(pubKeys, phase0.BLSPubKey(obj.Key))
		return nil
	})
	return pubKeys, err
}

// DeleteLocalKey removes the keystore blob and releases the key's exclusive
// lock, enabling future re-import. Reports whether a blob was removed.
func (s *storage) DeleteLocalKey(pubKey phase0.BLSPubKey) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	var found bool
	err := s.db.Update(func(rw basedb.ReadWriter) error {
		var err error
		_, found, err = rw.Get([]byte(localPrefix), pubKey[:])
		if err != nil {
			return errors.Wrap(err, "could not read existing keystore")
		}
		if err := rw.Delete([]byte(localPrefix), pubKey[:]); err != nil {
			return errors.Wrap(err, "could not delete keystore")
		}
		return rw.Delete([]byte(lockPrefix), pubKey[:])
	})
	return found, err
}

func (s *storage) IsLocked(pubKey phase0.BLSPubKey) (bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	_, locked, err := s.db.Get([]byte(lockPrefix), pubKey[:])
	if err != nil {
		return false, errors.Wrap(err, "could not read key lock")
	}
	return locked, nil
}

func (s *storage) SaveRemoteKey(pubKey phase0.BLSPubKey, url string, opts WriteOptions) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.db.Update(func(rw basedb.ReadWriter) error {
		_, found, err := rw.Get([]byte(remotePrefix), pubKey[:])
		if err != nil {
			return errors.Wrap(err, "could not read existing descriptor")
		}
		if found && !opts.OverwriteIfDuplicate {
			return ErrAlreadyExists
		}

		data, err := json.Marshal(RemoteKeyRecord{PubKey: pubKey, URL: url})
		if err != nil {
			return errors.Wrap(err, "failed to marshal remote key record")
		}
		return rw.Set([]byte(remotePrefix), pubKey[:], data)
	})
}

func (s *storage) GetRemoteKey(pubKey phase0.BLSPubKey) (RemoteKeyRecord, bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	obj, found, err := s.db.Get([]byte(remotePrefix), pubKey[:])
	if err != nil {
		return RemoteKeyRecord{}, found, errors.Wrap(err, "could not get remote key record from db")
	}
	if !found {
		return RemoteKeyRecord{}, false, nil
	}

	var record RemoteKeyRecord
	if err := json.Unmarshal(obj.Value, &record); err != nil {
		return RemoteKeyRecord{}, true, errors.Wrap(err, "failed to unmarshal remote key record")
	}
	return record, true, nil
}

func (s *storage) ListRemoteKeys() ([]RemoteKeyRecord, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var records []RemoteKeyRecord
	err := s.db.GetAll([]byte(remotePrefix), func(i int, obj basedb.Obj) error {
		var record RemoteKeyRecord
		if err := json.Unmarshal(obj.Value, &record); err != nil {
			return errors.Wrap(err, "failed to unmarshal remote key record")
		}
		records = append(records, record)
		return nil
	})
	return records, err
}

func (s *storage) DeleteRemoteKey(pubKey phase0.BLSPubKey) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	var found bool
	err := s.db.Update(func(rw basedb.ReadWriter) error {
		var err error
		_, found, err = rw.Get([]byte(remotePrefix), pubKey[:])
		if err != nil {
			return errors.Wrap(err, "could not read existing descriptor")
		}
		return rw.Delete([]byte(remotePrefix), pubKey[:])
	})
	return found, err
}
