package remotesigner

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/carlmjohnson/requests"
	"go.uber.org/zap"

	"github.com/ssvlabs/keymanager/logging"
)

// SignRequest is the payload of a remote signing request.
type SignRequest struct {
	SigningRoot phase0.Root `json:"signing_root"`
}

// Client delegates signing requests to a remote signing service
// implementing the standard remote-signing API.
type Client struct {
	logger     *zap.Logger
	baseURL    string
	httpClient *http.Client
}

func New(logger *zap.Logger, baseURL string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")

	return &Client{
		logger:  logger.Named(logging.NameRemoteSigner),
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// URL returns the base URL of the remote signing service.
func (c *Client) URL() string {
	return c.baseURL
}

// ListKeys lists the public keys available on the remote signing service.
func (c *Client) ListKeys(ctx context.Context) ([]phase0.BLSPubKey, error) {
	logger := c.logger.With(zap.String("request", "ListKeys"))
	logger.Debug("listing keys")

	var resp []phase0.BLSPubKey
	err := requests.
		URL(c.baseURL).
		Client(c.httpClient).
		Path("/api/v1/eth2/publicKeys").
		ToJSON(&resp).
		Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("remote signer: %w", err)
	}

	logger.Debug("listed keys", zap.Int("count", len(resp)))

	return resp, nil
}

// Sign requests a signature over the given signing root from the remote service.
func (c *Client) Sign(ctx context.Context, pubKey phase0.BLSPubKey, payload SignRequest) (phase0.BLSSignature, error) {
	logger := c.logger.With(
		zap.String("request", "Sign"),
		zap.String("pubkey", pubKey.String()),
	)
	logger.Debug("signing")

	var resp string
	err := requests.
		URL(c.baseURL).
		Client(c.httpClient).
		Pathf("/api/v1/eth2/sign/%s", pubKey.String()).
		BodyJSON(payload).
		Post().
		ToString(&resp).
		Fetch(ctx)
	if err != nil {
		return phase0.BLSSignature{}, fmt.Errorf("remote signer: %w", err)
	}

	sigBytes, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(resp), "0x"))
	if err != nil {
		return phase0.BLSSignature{}, fmt.Errorf("decode signature: %w", err)
	}

	if len(sigBytes) != len(phase0.BLSSignature{}) {
		return phase0.BLSSignature{}, fmt.Errorf("unexpected signature length %d, expected %d", len(sigBytes), len(phase0.BLSSignature{}))
	}

	return phase0.BLSSignature(sigBytes), nil
}
