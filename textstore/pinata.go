// Package textstore keeps long-form job descriptions off-chain. Descriptions
// are pinned to IPFS through Pinata; the contract stores only the CID.
package textstore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/jobboard/errors"
	"github.com/teranos/jobboard/internal/httpclient"
)

const (
	// DefaultPinataURL is Pinata's JSON pinning endpoint.
	DefaultPinataURL = "https://api.pinata.cloud/pinning/pinJSONToIPFS"
	// DefaultGatewayURL is the public IPFS gateway; a CID is appended to it.
	DefaultGatewayURL = "https://ipfs.io/ipfs/"

	// Placeholders shown in place of a description that could not be resolved.
	PlaceholderFetchError = "[Error fetching description]"
	PlaceholderMissing    = "[Description not found in IPFS data]"

	maxDocumentBytes = 1 << 20
)

// Config configures a Pinata store.
type Config struct {
	JWT        string
	PinURL     string
	GatewayURL string
	Timeout    time.Duration
}

// Pinata pins JSON documents and reads them back through an IPFS gateway.
type Pinata struct {
	jwt     string
	pinURL  string
	gateway string
	client  *httpclient.SaferClient
	logger  *zap.SugaredLogger
}

// PinResponse is the response from Pinata's pinJSONToIPFS endpoint.
type PinResponse struct {
	IpfsHash    string `json:"IpfsHash"`
	PinSize     int    `json:"PinSize"`
	Timestamp   string `json:"Timestamp"`
	IsDuplicate bool   `json:"isDuplicate"`
}

type pinRequest struct {
	Metadata struct {
		Name string `json:"name"`
	} `json:"pinataMetadata"`
	Content any `json:"pinataContent"`
}

// NewPinata creates a store. A nil client gets a SaferClient that permits a
// local gateway when one is configured.
func NewPinata(cfg Config, client *httpclient.SaferClient, logger *zap.SugaredLogger) *Pinata {
	if cfg.PinURL == "" {
		cfg.PinURL = DefaultPinataURL
	}
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = DefaultGatewayURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if client == nil {
		client = httpclient.New(cfg.Timeout, httpclient.Options{
			AllowPrivate: httpclient.IsLocalURL(cfg.GatewayURL),
		})
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Pinata{
		jwt:     cfg.JWT,
		pinURL:  cfg.PinURL,
		gateway: cfg.GatewayURL,
		client:  client,
		logger:  logger,
	}
}

// CanWrite reports whether a JWT is configured.
func (p *Pinata) CanWrite() bool { return p.jwt != "" }

// Put pins content as a JSON document named name and returns its CID.
func (p *Pinata) Put(ctx context.Context, name string, content any) (string, error) {
	if p.jwt == "" {
		return "", errors.WithHint(
			errors.NewInvalidRequestError("pinata JWT not configured"),
			"set JOBBOARD_IPFS_PINATA_JWT or ipfs.pinata_jwt in am.toml")
	}

	var body pinRequest
	body.Metadata.Name = name
	body.Content = content
	payload, err := json.Marshal(body)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode pin request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.pinURL, bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "failed to create Pinata HTTP request")
	}
	req.Header.Set("Authorization", "Bearer "+p.jwt)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "Pinata pin request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return "", errors.Wrap(err, "failed to read Pinata response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Newf("Pinata returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var pin PinResponse
	if err := json.Unmarshal(respBody, &pin); err != nil {
		return "", errors.Wrapf(err, "failed to parse Pinata response: %s", string(respBody))
	}
	if pin.IpfsHash == "" {
		return "", errors.New("Pinata response carried no IpfsHash")
	}

	p.logger.Infow("Pinned document", "name", name, "url", p.gateway+pin.IpfsHash, "size", pin.PinSize)
	return pin.IpfsHash, nil
}

// Get fetches the JSON document behind cid and decodes it into out.
func (p *Pinata) Get(ctx context.Context, cid string, out any) error {
	cid = strings.TrimSpace(cid)
	if cid == "" || strings.ContainsAny(cid, "/?#") {
		return errors.NewInvalidRequestError("invalid CID %q", cid)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.gateway+cid, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create gateway request")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "gateway fetch of %s failed", cid)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errors.NewNotFoundError("CID %s", cid)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("gateway returned status %d for %s", resp.StatusCode, cid)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes)).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode document %s", cid)
	}
	return nil
}
