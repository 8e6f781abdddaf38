package ledger

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ssvlabs/keymanager/logging/fields"
)

// InterchangeFormatVersion is the supported EIP-3076 format version.
const InterchangeFormatVersion = "5"

// ErrFormat is returned when interchange data cannot be parsed or carries an
// unsupported version or a mismatching genesis validators root.
var ErrFormat = errors.New("invalid slashing protection interchange data")

// Interchange is an EIP-3076 slashing protection interchange document.
type Interchange struct {
	Metadata InterchangeMetadata `json:"metadata"`
	Data     []InterchangeEntry  `json:"data"`
}

type InterchangeMetadata struct {
	InterchangeFormatVersion string      `json:"interchange_format_version"`
	GenesisValidatorsRoot    phase0.Root `json:"genesis_validators_root"`
}

type InterchangeEntry struct {
	PubKey             phase0.BLSPubKey    `json:"pubkey"`
	SignedBlocks       []SignedBlock       `json:"signed_blocks"`
	SignedAttestations []SignedAttestation `json:"signed_attestations"`
}

// SignedBlock is a previously signed proposal. Numbers are decimal strings,
// as the interchange format requires.
type SignedBlock struct {
	Slot        string `json:"slot"`
	SigningRoot string `json:"signing_root,omitempty"`
}

// SignedAttestation is a previously signed attestation.
type SignedAttestation struct {
	SourceEpoch string `json:"source_epoch"`
	TargetEpoch string `json:"target_epoch"`
	SigningRoot string `json:"signing_root,omitempty"`
}

// Has reports whether the snapshot contains an entry for the given key.
func (i *Interchange) Has(pubKey phase0.BLSPubKey) bool {
	for _, entry := range i.Data {
		if entry.PubKey == pubKey {
			return true
		}
	}
	return false
}

// MergeImport merges external interchange data into the stored history,
// keeping the per-field maxima. Existing entries are only ever raised.
func (s *Storage) MergeImport(data []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	var interchange Interchange
	if err := json.Unmarshal(data, &interchange); err != nil {
		return errors.Wrapf(ErrFormat, "parse interchange JSON: %v", err)
	}

	if interchange.Metadata.InterchangeFormatVersion != InterchangeFormatVersion {
		return errors.Wrapf(ErrFormat, "unsupported interchange format version %q", interchange.Metadata.InterchangeFormatVersion)
	}

	var zeroRoot phase0.Root
	if s.genesisValidatorsRoot != zeroRoot &&
		!bytes.Equal(interchange.Metadata.GenesisValidatorsRoot[:], s.genesisValidatorsRoot[:]) {
		return errors.Wrap(ErrFormat, "genesis validators root mismatch")
	}

	for _, entry := range interchange.Data {
		if err := s.mergeEntry(entry); err != nil {
			return err
		}
	}

	s.logger.Info("merged interchange data", fields.Count(len(interchange.Data)))

	return nil
}

func (s *Storage) mergeEntry(entry InterchangeEntry) error {
	sourceMax, targetMax, err := maxAttestationEpochs(entry.SignedAttestations)
	if err != nil {
		return err
	}
	slotMax, err := maxBlockSlot(entry.SignedBlocks)
	if err != nil {
		return err
	}

	if len(entry.SignedAttestations) > 0 {
		stored, found, err := s.retrieveHighestAttestation(entry.PubKey)
		if err != nil {
			return err
		}
		if found {
			if stored.Source.Epoch > sourceMax {
				sourceMax = stored.Source.Epoch
			}
			if stored.Target.Epoch > targetMax {
				targetMax = stored.Target.Epoch
			}
		}
		highest := &phase0.AttestationData{
			Source: &phase0.Checkpoint{Epoch: sourceMax},
			Target: &phase0.Checkpoint{Epoch: targetMax},
		}
		if err := s.saveHighestAttestation(entry.PubKey, highest); err != nil {
			return err
		}
	}

	if slotMax > 0 {
		stored, found, err := s.retrieveHighestProposal(entry.PubKey)
		if err != nil {
			return err
		}
		if !found || slotMax > stored {
			if err := s.saveHighestProposal(entry.PubKey, slotMax); err != nil {
				return err
			}
		}
	}

	return nil
}

// ExportSnapshot exports a single consistent snapshot of the stored history
// for the given keys. Keys with no history are omitted; the snapshot is a
// copy and its creation never discards ledger data.
func (s *Storage) ExportSnapshot(pubKeys []phase0.BLSPubKey) (*Interchange, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	interchange := &Interchange{
		Metadata: InterchangeMetadata{
			InterchangeFormatVersion: InterchangeFormatVersion,
			GenesisValidatorsRoot:    s.genesisValidatorsRoot,
		},
		Data: []InterchangeEntry{},
	}

	seen := make(map[phase0.BLSPubKey]struct{})
	for _, pubKey := range pubKeys {
		if _, ok := seen[pubKey]; ok {
			continue
		}
		seen[pubKey] = struct{}{}

		entry := InterchangeEntry{
			PubKey:             pubKey,
			SignedBlocks:       []SignedBlock{},
			SignedAttestations: []SignedAttestation{},
		}

		attestation, found, err := s.retrieveHighestAttestation(pubKey)
		if err != nil {
			return nil, err
		}
		if found {
			entry.SignedAttestations = append(entry.SignedAttestations, SignedAttestation{
				SourceEpoch: strconv.FormatUint(uint64(attestation.Source.Epoch), 10),
				TargetEpoch: strconv.FormatUint(uint64(attestation.Target.Epoch), 10),
			})
		}

		slot, slotFound, err := s.retrieveHighestProposal(pubKey)
		if err != nil {
			return nil, err
		}
		if slotFound {
			entry.SignedBlocks = append(entry.SignedBlocks, SignedBlock{
				Slot: strconv.FormatUint(uint64(slot), 10),
			})
		}

		if found || slotFound {
			interchange.Data = append(interchange.Data, entry)
		}
	}

	s.logger.Debug("exported interchange snapshot",
		zap.Int("requested", len(pubKeys)),
		zap.Int("exported", len(interchange.Data)))

	return interchange, nil
}

func maxAttestationEpochs(attestations []SignedAttestation) (source, target phase0.Epoch, err error) {
	for _, attestation := range attestations {
		sourceEpoch, err := strconv.ParseUint(attestation.SourceEpoch, 10, 64)
		if err != nil {
			return 0, 0, errors.Wrapf(ErrFormat, "parse source epoch %q", attestation.SourceEpoch)
		}
		targetEpoch, err := strconv.ParseUint(attestation.TargetEpoch, 10, 64)
		if err != nil {
			return 0, 0, errors.Wrapf(ErrFormat, "parse target epoch %q", attestation.TargetEpoch)
		}
		if phase0.Epoch(sourceEpoch) > source {
			source = phase0.Epoch(sourceEpoch)
		}
		if phase0.Epoch(targetEpoch) > target {
			target = phase0.Epoch(targetEpoch)
		}
	}
	return source, target, nil
}

func maxBlockSlot(blocks []SignedBlock) (phase0.Slot, error) {
	var max phase0.Slot
	for _, block := range blocks {
		slot, err := strconv.ParseUint(block.Slot, 10, 64)
		if err != nil {
			return 0, errors.Wrapf(ErrFormat, "parse block slot %q", block.Slot)
		}
		if phase0.Slot(slot) > max {
			max = phase0.Slot(slot)
		}
	}
	return max, nil
}
