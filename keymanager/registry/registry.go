package registry

import (
	"sync"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"go.uber.org/zap"

	"github.com/ssvlabs/keymanager/logging"
)

// DutyScheduler schedules future signing obligations for registered keys.
// The registry notifies it when a key must stop signing.
type DutyScheduler interface {
	CancelDuties(pubKey phase0.BLSPubKey)
}

// NopDutyScheduler is a DutyScheduler for surfaces that schedule nothing.
type NopDutyScheduler struct{}

func (NopDutyScheduler) CancelDuties(phase0.BLSPubKey) {}

// signerIterator is the function used to iterate over registered signers.
type signerIterator func(signer Signer) bool

// SignerRegistry manages the collection of signers eligible to sign right
// now. At most one signer exists per public key, and listing order is
// insertion order. Add/Remove are atomic with respect to concurrent reads.
type SignerRegistry struct {
	logger    *zap.Logger
	scheduler DutyScheduler

	lock    sync.RWMutex
	signers map[phase0.BLSPubKey]Signer
	order   []phase0.BLSPubKey
}

func New(logger *zap.Logger, scheduler DutyScheduler) *SignerRegistry {
	if scheduler == nil {
		scheduler = NopDutyScheduler{}
	}
	return &SignerRegistry{
		logger:    logger.Named(logging.NameSignerRegistry),
		scheduler: scheduler,
		signers:   make(map[phase0.BLSPubKey]Signer),
	}
}

// List returns all registered signers in insertion order.
func (r *SignerRegistry) List() []Signer {
	r.lock.RLock()
	defer r.lock.RUnlock()

	signers := make([]Signer, 0, len(r.order))
	for _, pubKey := range r.order {
		signers = append(signers, r.signers[pubKey])
	}
	return signers
}

// ForEach loops over registered signers in insertion order.
func (r *SignerRegistry) ForEach(iterator signerIterator) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()

	for _, pubKey := range r.order {
		if !iterator(r.signers[pubKey]) {
			return false
		}
	}
	return true
}

// Get returns the signer registered for the given public key.
func (r *SignerRegistry) Get(pubKey phase0.BLSPubKey) (Signer, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	signer, ok := r.signers[pubKey]
	return signer, ok
}

// Has reports whether any signer variant is registered for the given key.
func (r *SignerRegistry) Has(pubKey phase0.BLSPubKey) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()

	_, ok := r.signers[pubKey]
	return ok
}

// Add registers a signer. A signer already registered under the same key is
// replaced in place, keeping its listing position.
func (r *SignerRegistry) Add(signer Signer) {
	r.lock.Lock()
	defer r.lock.Unlock()

	pubKey := signer.PublicKey()
	if _, ok := r.signers[pubKey]; !ok {
		r.order = append(r.order, pubKey)
	}
	r.signers[pubKey] = signer
}

// Remove unregisters the signer for the given key,
// reporting whether something was removed.
func (r *SignerRegistry) Remove(pubKey phase0.BLSPubKey) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.signers[pubKey]; !ok {
		return false
	}

	delete(r.signers, pubKey)
	for i, k := range r.order {
		if k == pubKey {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// CancelDuties cancels all scheduled future signing obligations of the key.
func (r *SignerRegistry) CancelDuties(pubKey phase0.BLSPubKey) {
	r.scheduler.CancelDuties(pubKey)
}

// Size returns the number of registered signers.
func (r *SignerRegistry) Size() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.signers)
}
