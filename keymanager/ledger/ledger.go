package ledger

import (
	"fmt"
	"sync"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	ssz "github.com/ferranbt/fastssz"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ssvlabs/keymanager/logging"
	"github.com/ssvlabs/keymanager/storage/basedb"
)

const (
	prefix                = "slashing_protection-"
	highestAttPrefix      = prefix + "highest_att-"
	highestProposalPrefix = prefix + "highest_prop-"

	// SchemaVersionPrefix is the version key of the slashing protection DB.
	SchemaVersionPrefix = "slashing_schema_version"
	// SchemaVersion is the current version of the slashing protection DB.
	SchemaVersion = "0x1"
)

// Storage is the durable, append-only signing history of every key that ever
// signed through this installation. Per key it keeps the highest attestation
// data and the highest proposal slot; entries are only ever raised, never
// deleted, so history outlives the key's signer and its persisted keystore.
type Storage struct {
	logger *zap.Logger
	db     basedb.Database

	genesisValidatorsRoot phase0.Root
	lock                  sync.RWMutex
}

func New(logger *zap.Logger, db basedb.Database, genesisValidatorsRoot phase0.Root) *Storage {
	return &Storage{
		logger: logger.Named(logging.NameSlashingProtectionStorage),
		db:     db,

		genesisValidatorsRoot: genesisValidatorsRoot,
	}
}

func (s *Storage) SaveHighestAttestation(pubKey phase0.BLSPubKey, attestation *phase0.AttestationData) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.saveHighestAttestation(pubKey, attestation)
}

func (s *Storage) saveHighestAttestation(pubKey phase0.BLSPubKey, attestation *phase0.AttestationData) error {
	if attestation == nil {
		return errors.New("attestation data could not be nil")
	}

	data, err := attestation.MarshalSSZ()
	if err != nil {
		return errors.Wrap(err, "failed to marshal attestation")
	}

	return s.db.Set([]byte(highestAttPrefix), pubKey[:], data)
}

func (s *Storage) RetrieveHighestAttestation(pubKey phase0.BLSPubKey) (*phase0.AttestationData, bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.retrieveHighestAttestation(pubKey)
}

func (s *Storage) retrieveHighestAttestation(pubKey phase0.BLSPubKey) (*phase0.AttestationData, bool, error) {
	obj, found, err := s.db.Get([]byte(highestAttPrefix), pubKey[:])
	if err != nil {
		return nil, found, errors.Wrap(err, "could not get highest attestation from db")
	}
	if !found {
		return nil, false, nil
	}
	if len(obj.Value) == 0 {
		return nil, found, errors.New("highest attestation value is empty")
	}

	ret := &phase0.AttestationData{}
	if err := ret.UnmarshalSSZ(obj.Value); err != nil {
		return nil, found, errors.Wrap(err, "could not unmarshal attestation data")
	}
	return ret, found, nil
}

func (s *Storage) SaveHighestProposal(pubKey phase0.BLSPubKey, slot phase0.Slot) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.saveHighestProposal(pubKey, slot)
}

func (s *Storage) saveHighestProposal(pubKey phase0.BLSPubKey, slot phase0.Slot) error {
	if slot == 0 {
		return errors.New("invalid proposal slot, slot could not be 0")
	}

	var data []byte
	data = ssz.MarshalUint64(data, uint64(slot))

	return s.db.Set([]byte(highestProposalPrefix), pubKey[:], data)
}

func (s *Storage) RetrieveHighestProposal(pubKey phase0.BLSPubKey) (phase0.Slot, bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.retrieveHighestProposal(pubKey)
}

func (s *Storage) retrieveHighestProposal(pubKey phase0.BLSPubKey) (phase0.Slot, bool, error) {
	obj, found, err := s.db.Get([]byte(highestProposalPrefix), pubKey[:])
	if err != nil {
		return 0, found, errors.Wrap(err, "could not get highest proposal from db")
	}
	if !found {
		return 0, false, nil
	}
	if len(obj.Value) == 0 {
		return 0, found, errors.New("highest proposal value is empty")
	}

	slot := ssz.UnmarshallUint64(obj.Value)
	return phase0.Slot(slot), found, nil
}

// HasHistory reports whether any signing history is recorded for the key.
func (s *Storage) HasHistory(pubKey phase0.BLSPubKey) (bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	_, found, err := s.db.Get([]byte(highestAttPrefix), pubKey[:])
	if err != nil {
		return false, errors.Wrap(err, "could not get highest attestation from db")
	}
	if found {
		return true, nil
	}
	_, found, err = s.db.Get([]byte(highestProposalPrefix), pubKey[:])
	if err != nil {
		return false, errors.Wrap(err, "could not get highest proposal from db")
	}
	return found, nil
}

// SetSchemaVersion stamps the slashing protection schema version.
func (s *Storage) SetSchemaVersion() error {
	return s.db.Set([]byte(SchemaVersionPrefix), nil, []byte(SchemaVersion))
}

// GetSchemaVersion returns the stamped slashing protection schema version.
func (s *Storage) GetSchemaVersion() (string, bool, error) {
	obj, found, err := s.db.Get([]byte(SchemaVersionPrefix), nil)
	if err != nil {
		return "", found, fmt.Errorf("could not get schema version: %w", err)
	}
	if !found {
		return "", false, nil
	}
	return string(obj.Value), true, nil
}
