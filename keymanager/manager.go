package keymanager

import (
	"net/url"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/herumi/bls-eth-go-binary/bls"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ssvlabs/keymanager/keystore"
	"github.com/ssvlabs/keymanager/keymanager/ledger"
	"github.com/ssvlabs/keymanager/keymanager/registry"
	"github.com/ssvlabs/keymanager/keymanager/store"
	"github.com/ssvlabs/keymanager/logging"
	"github.com/ssvlabs/keymanager/logging/fields"
)

// Registry is the volatile signer registry, the authority on which keys may
// sign right now. The manager holds a reference, never a private copy.
type Registry interface {
	List() []registry.Signer
	Get(pubKey phase0.BLSPubKey) (registry.Signer, bool)
	Has(pubKey phase0.BLSPubKey) bool
	Add(signer registry.Signer)
	Remove(pubKey phase0.BLSPubKey) bool
	CancelDuties(pubKey phase0.BLSPubKey)
}

// KeyStore is the durable key store holding encrypted keystores and
// remote-signer descriptors.
type KeyStore interface {
	SaveLocalKey(pubKey phase0.BLSPubKey, keystoreJSON []byte, opts store.WriteOptions) error
	DeleteLocalKey(pubKey phase0.BLSPubKey) (bool, error)
	SaveRemoteKey(pubKey phase0.BLSPubKey, url string, opts store.WriteOptions) error
	DeleteRemoteKey(pubKey phase0.BLSPubKey) (bool, error)
}

// Ledger is the durable slashing-protection history.
type Ledger interface {
	MergeImport(data []byte) error
	ExportSnapshot(pubKeys []phase0.BLSPubKey) (*ledger.Interchange, error)
}

// Manager coordinates the signer registry, the durable key store and the
// slashing-protection ledger, so that a retired key can never sign again and
// its signing record is never lost. Batch operations are per-item isolated:
// one item's failure never aborts its siblings, and every result slice
// mirrors the input slice index by index.
type Manager struct {
	logger   *zap.Logger
	registry Registry
	store    KeyStore
	ledger   Ledger

	decrypt         func(encryptedJSONData []byte, password string) ([]byte, error)
	newRemoteSigner func(pubKey phase0.BLSPubKey, url string) registry.Signer
}

// Option defines a Manager configuration option.
type Option func(*Manager)

// WithDecryptor overrides the keystore decryptor.
func WithDecryptor(decrypt func(encryptedJSONData []byte, password string) ([]byte, error)) Option {
	return func(m *Manager) {
		m.decrypt = decrypt
	}
}

// WithRemoteSignerFactory overrides how remote signers are constructed.
func WithRemoteSignerFactory(factory func(pubKey phase0.BLSPubKey, url string) registry.Signer) Option {
	return func(m *Manager) {
		m.newRemoteSigner = factory
	}
}

func New(logger *zap.Logger, reg Registry, keyStore KeyStore, slashingLedger Ledger, opts ...Option) *Manager {
	logger = logger.Named(logging.NameKeyLifecycleManager)

	m := &Manager{
		logger:   logger,
		registry: reg,
		store:    keyStore,
		ledger:   slashingLedger,
		decrypt:  keystore.DecryptKeystore,
		newRemoteSigner: func(pubKey phase0.BLSPubKey, url string) registry.Signer {
			return registry.NewRemoteSigner(logger, pubKey, url)
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// ListKeys returns all registered keys in insertion order. A key is readonly
// iff its signer delegates to a remote service.
func (m *Manager) ListKeys() []KeyInfo {
	signers := m.registry.List()
	keys := make([]KeyInfo, 0, len(signers))
	for _, signer := range signers {
		keys = append(keys, KeyInfo{
			PubKey:   signer.PublicKey(),
			ReadOnly: signer.ReadOnly(),
		})
	}
	return keys
}

// ListRemoteKeys returns the registered remote keys and their delegation URLs,
// in insertion order.
func (m *Manager) ListRemoteKeys() []RemoteKeyInfo {
	var keys []RemoteKeyInfo
	for _, signer := range m.registry.List() {
		remote, ok := signer.(interface{ URL() string })
		if !ok {
			continue
		}
		keys = append(keys, RemoteKeyInfo{
			PubKey: signer.PublicKey(),
			URL:    remote.URL(),
		})
	}
	return keys
}

// ImportLocalKeys imports encrypted keystores with their unlock passwords.
// External slashing-protection data, when given, is merged into the ledger
// before any key processing, so added keys immediately benefit from prior
// history. Merge failure is request-fatal: keys must not become active
// without their imported history.
func (m *Manager) ImportLocalKeys(keystores [][]byte, passwords []string, slashingProtection []byte) ([]KeyStatus, error) {
	start := time.Now()

	if len(slashingProtection) > 0 {
		if err := m.ledger.MergeImport(slashingProtection); err != nil {
			return nil, errors.Wrap(err, "could not merge slashing protection data")
		}
	}

	statuses := make([]KeyStatus, len(keystores))
	for i := range keystores {
		statuses[i] = m.importLocalKey(keystores, passwords, i)
	}

	recordStatuses("import_local_keys", statuses)
	m.logger.Info("imported local keys", fields.Count(len(keystores)), fields.Took(time.Since(start)))

	return statuses, nil
}

func (m *Manager) importLocalKey(keystores [][]byte, passwords []string, i int) KeyStatus {
	if i >= len(passwords) {
		return errorStatus(errors.New("missing password for keystore"))
	}

	pubKeyHex, err := keystore.PubKeyFromKeystore(keystores[i])
	if err != nil {
		return errorStatus(errors.Wrap(err, "could not parse keystore"))
	}
	pubKey, err := ParsePublicKey("0x" + pubKeyHex)
	if err != nil {
		return errorStatus(errors.Wrap(err, "could not parse keystore public key"))
	}

	// The registry, not the disk, is the authority on duplicates.
	if m.registry.Has(pubKey) {
		return okStatus(StatusDuplicate)
	}

	// Fail closed: a key is never registered without being durably
	// persisted, and never persisted without being verified decryptable.
	secretBytes, err := m.decrypt(keystores[i], passwords[i])
	if err != nil {
		return errorStatus(errors.Wrap(err, "could not decrypt keystore"))
	}

	secretKey := &bls.SecretKey{}
	if err := secretKey.Deserialize(secretBytes); err != nil {
		return errorStatus(errors.Wrap(err, "could not deserialize decrypted key"))
	}
	if phase0.BLSPubKey(secretKey.GetPublicKey().Serialize()) != pubKey {
		return errorStatus(errors.New("keystore public key does not match decrypted key"))
	}

	err = m.store.SaveLocalKey(pubKey, keystores[i], store.WriteOptions{
		LockBeforeWrite:      true,
		OverwriteIfDuplicate: true,
	})
	if err != nil {
		return errorStatus(errors.Wrap(err, "could not persist keystore"))
	}

	// Only after durable persistence: any key visible to the duty scheduler
	// is already crash-durable.
	m.registry.Add(registry.NewLocalSigner(secretKey))

	return okStatus(StatusImported)
}

type deleteOutcome struct {
	pubKey      phase0.BLSPubKey
	parsed      bool
	removedMem  bool
	removedDisk bool
	err         error
}

// DeleteLocalKeys retires local keys. Phase 1 guarantees every requested key
// can no longer be asked to sign (registry removal, duty cancellation, disk
// removal); only then does phase 2 export one consistent ledger snapshot
// covering the entire request. The snapshot remains retrievable across
// repeated delete calls for the same keys.
func (m *Manager) DeleteLocalKeys(pubKeys []string) ([]KeyStatus, *ledger.Interchange, error) {
	start := time.Now()
	outcomes := make([]deleteOutcome, len(pubKeys))

	// Phase 1: deactivate all requested keys.
	p := pool.New()
	for i := range pubKeys {
		p.Go(func() {
			outcomes[i] = m.deactivateLocalKey(pubKeys[i])
		})
	}
	p.Wait()

	var phase1Err error
	for _, outcome := range outcomes {
		phase1Err = multierr.Append(phase1Err, outcome.err)
	}
	if phase1Err != nil {
		m.logger.Debug("some keys could not be deactivated", zap.Error(phase1Err))
	}

	// Phase 2: one consistent snapshot across all requested keys.
	// A failure here is request-fatal, a partial snapshot would violate
	// the retention guarantee.
	var requested []phase0.BLSPubKey
	for _, outcome := range outcomes {
		if outcome.parsed {
			requested = append(requested, outcome.pubKey)
		}
	}
	snapshot, err := m.ledger.ExportSnapshot(requested)
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not export slashing protection snapshot")
	}

	statuses := make([]KeyStatus, len(pubKeys))
	for i, outcome := range outcomes {
		statuses[i] = m.resolveDeleteStatus(outcome, snapshot)
	}

	recordStatuses("delete_local_keys", statuses)
	m.logger.Info("deleted local keys", fields.Count(len(pubKeys)), fields.Took(time.Since(start)))

	return statuses, snapshot, nil
}

func (m *Manager) deactivateLocalKey(pubKeyHex string) deleteOutcome {
	pubKey, err := ParsePublicKey(pubKeyHex)
	if err != nil {
		return deleteOutcome{err: err}
	}

	outcome := deleteOutcome{pubKey: pubKey, parsed: true}

	// Stop-signing must complete before any persisted material is removed:
	// removing first would open a window where a signature could be produced
	// whose protection record is no longer retrievable.
	if signer, ok := m.registry.Get(pubKey); ok && !signer.ReadOnly() {
		outcome.removedMem = m.registry.Remove(pubKey)
		m.registry.CancelDuties(pubKey)
	}

	outcome.removedDisk, outcome.err = m.store.DeleteLocalKey(pubKey)
	if outcome.err != nil {
		outcome.err = errors.Wrap(outcome.err, "could not delete persisted keystore")
	}

	return outcome
}

func (m *Manager) resolveDeleteStatus(outcome deleteOutcome, snapshot *ledger.Interchange) KeyStatus {
	if outcome.err != nil {
		return errorStatus(outcome.err)
	}
	if outcome.removedMem != outcome.removedDisk {
		// Memory and disk disagreed on whether the key existed. The removal
		// still counts, but it must not pass silently.
		m.logger.Warn("inconsistent key removal",
			fields.PubKey(outcome.pubKey),
			zap.Bool("removed_from_registry", outcome.removedMem),
			zap.Bool("removed_from_disk", outcome.removedDisk))
	}
	if outcome.removedMem || outcome.removedDisk {
		return okStatus(StatusDeleted)
	}
	if snapshot.Has(outcome.pubKey) {
		return okStatus(StatusNotActive)
	}
	return okStatus(StatusNotFound)
}

// ImportRemoteKeys registers remote signers by public key and delegation URL.
// No decryption or ledger interaction: remote signers expose no local key
// material.
func (m *Manager) ImportRemoteKeys(descriptors []RemoteKeyDescriptor) []KeyStatus {
	statuses := make([]KeyStatus, len(descriptors))
	for i, descriptor := range descriptors {
		statuses[i] = m.importRemoteKey(descriptor)
	}

	recordStatuses("import_remote_keys", statuses)
	m.logger.Info("imported remote keys", fields.Count(len(descriptors)))

	return statuses
}

func (m *Manager) importRemoteKey(descriptor RemoteKeyDescriptor) KeyStatus {
	pubKey, err := ParsePublicKey(descriptor.PubKey)
	if err != nil {
		return errorStatus(err)
	}
	if err := validateRemoteURL(descriptor.URL); err != nil {
		return errorStatus(err)
	}

	if m.registry.Has(pubKey) {
		return okStatus(StatusDuplicate)
	}

	m.registry.Add(m.newRemoteSigner(pubKey, descriptor.URL))

	err = m.store.SaveRemoteKey(pubKey, descriptor.URL, store.WriteOptions{OverwriteIfDuplicate: true})
	if err != nil {
		// Keep memory and disk consistent: an unpersisted signer would
		// silently vanish on restart.
		m.registry.Remove(pubKey)
		return errorStatus(errors.Wrap(err, "could not persist remote key descriptor"))
	}

	return okStatus(StatusImported)
}

// DeleteRemoteKeys unregisters remote signers and deletes their persisted
// descriptors. No ledger interaction.
func (m *Manager) DeleteRemoteKeys(pubKeys []string) []KeyStatus {
	statuses := make([]KeyStatus, len(pubKeys))
	for i, pubKeyHex := range pubKeys {
		statuses[i] = m.deleteRemoteKey(pubKeyHex)
	}

	recordStatuses("delete_remote_keys", statuses)
	m.logger.Info("deleted remote keys", fields.Count(len(pubKeys)))

	return statuses
}

func (m *Manager) deleteRemoteKey(pubKeyHex string) KeyStatus {
	pubKey, err := ParsePublicKey(pubKeyHex)
	if err != nil {
		return errorStatus(err)
	}

	var removedMem bool
	if signer, ok := m.registry.Get(pubKey); ok && signer.ReadOnly() {
		removedMem = m.registry.Remove(pubKey)
		m.registry.CancelDuties(pubKey)
	}

	removedDisk, err := m.store.DeleteRemoteKey(pubKey)
	if err != nil {
		return errorStatus(errors.Wrap(err, "could not delete remote key descriptor"))
	}

	if removedMem || removedDisk {
		return okStatus(StatusDeleted)
	}
	return okStatus(StatusNotFound)
}

func validateRemoteURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrap(err, "invalid remote signer URL")
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.Errorf("invalid remote signer URL %q: scheme and host are required", rawURL)
	}
	return nil
}
