package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/ssvlabs/keymanager/api"
	"github.com/ssvlabs/keymanager/keymanager"
)

// KeyManager exposes the key lifecycle operations over the standard
// keymanager HTTP API. It is a thin adapter: all semantics live in the
// lifecycle manager, and absence is always a per-item status, never a
// request-level failure.
type KeyManager struct {
	Manager *keymanager.Manager
}

type keystoreInfo struct {
	ValidatingPubKey string `json:"validating_pubkey"`
	DerivationPath   string `json:"derivation_path"`
	ReadOnly         bool   `json:"readonly"`
}

type remoteKeyInfo struct {
	PubKey   string `json:"pubkey"`
	URL      string `json:"url"`
	ReadOnly bool   `json:"readonly"`
}

type statusesResponse struct {
	Data []keymanager.KeyStatus `json:"data"`
}

func (h *KeyManager) ListKeystores(w http.ResponseWriter, r *http.Request) error {
	var response struct {
		Data []keystoreInfo `json:"data"`
	}
	response.Data = []keystoreInfo{}
	for _, key := range h.Manager.ListKeys() {
		response.Data = append(response.Data, keystoreInfo{
			ValidatingPubKey: key.PubKey.String(),
			ReadOnly:         key.ReadOnly,
		})
	}
	return api.Render(w, r, response)
}

func (h *KeyManager) ImportKeystores(w http.ResponseWriter, r *http.Request) error {
	var request struct {
		Keystores          []string `json:"keystores"`
		Passwords          []string `json:"passwords"`
		SlashingProtection string   `json:"slashing_protection,omitempty"`
	}
	if err := api.Bind(r, &request); err != nil {
		return err
	}

	keystores := make([][]byte, len(request.Keystores))
	for i, ks := range request.Keystores {
		keystores[i] = []byte(ks)
	}

	statuses, err := h.Manager.ImportLocalKeys(keystores, request.Passwords, []byte(request.SlashingProtection))
	if err != nil {
		return api.BadRequestError(err)
	}

	return api.Render(w, r, statusesResponse{Data: statuses})
}

func (h *KeyManager) DeleteKeystores(w http.ResponseWriter, r *http.Request) error {
	var request struct {
		Pubkeys []string `json:"pubkeys"`
	}
	if err := api.Bind(r, &request); err != nil {
		return err
	}

	statuses, snapshot, err := h.Manager.DeleteLocalKeys(request.Pubkeys)
	if err != nil {
		return err
	}

	slashingProtection, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "could not marshal slashing protection snapshot")
	}

	var response struct {
		Data               []keymanager.KeyStatus `json:"data"`
		SlashingProtection string                 `json:"slashing_protection"`
	}
	response.Data = statuses
	response.SlashingProtection = string(slashingProtection)

	return api.Render(w, r, response)
}

func (h *KeyManager) ListRemoteKeys(w http.ResponseWriter, r *http.Request) error {
	var response struct {
		Data []remoteKeyInfo `json:"data"`
	}
	response.Data = []remoteKeyInfo{}
	for _, key := range h.Manager.ListRemoteKeys() {
		response.Data = append(response.Data, remoteKeyInfo{
			PubKey:   key.PubKey.String(),
			URL:      key.URL,
			ReadOnly: true,
		})
	}
	return api.Render(w, r, response)
}

func (h *KeyManager) ImportRemoteKeys(w http.ResponseWriter, r *http.Request) error {
	var request struct {
		RemoteKeys []keymanager.RemoteKeyDescriptor `json:"remote_keys"`
	}
	if err := api.Bind(r, &request); err != nil {
		return err
	}

	statuses := h.Manager.ImportRemoteKeys(request.RemoteKeys)

	return api.Render(w, r, statusesResponse{Data: statuses})
}

func (h *KeyManager) DeleteRemoteKeys(w http.ResponseWriter, r *http.Request) error {
	var request struct {
		Pubkeys []string `json:"pubkeys"`
	}
	if err := api.Bind(r, &request); err != nil {
		return err
	}

	statuses := h.Manager.DeleteRemoteKeys(request.Pubkeys)

	return api.Render(w, r, statusesResponse{Data: statuses})
}
