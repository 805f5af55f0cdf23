package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/wasiogate/wagi/internal/bindle"
)

// DefaultBundleClient is a minimal Bindle-protocol client: it asks a
// bundle server for an invoice (TOML, per the original bindle wire
// format) and for individual parcels by digest. It satisfies
// BundleServerClient.
type DefaultBundleClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewDefaultBundleClient builds a DefaultBundleClient against baseURL
// (e.g. "https://bindle.example.com/v1").
func NewDefaultBundleClient(baseURL string) *DefaultBundleClient {
	return &DefaultBundleClient{BaseURL: strings.TrimSuffix(baseURL, "/"), HTTPClient: http.DefaultClient}
}

// ociWasmLayerMediaType is the media type of the Wasm content layer in an
// OCI artifact manifest.
const ociWasmLayerMediaType = "application/vnd.wasm.content.layer.v1+wasm"

// DefaultWasmParcel implements BundleServerClient: it fetches the
// invoice, picks the first default-group (ungrouped) application/wasm
// parcel per bindle.Understander.TopModules, and downloads it.
func (c *DefaultBundleClient) DefaultWasmParcel(ctx context.Context, invoiceID string) ([]byte, error) {
	raw, err := c.FetchInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	var invoice bindle.Invoice
	if _, err := toml.Decode(string(raw), &invoice); err != nil {
		return nil, fmt.Errorf("fetch: decoding invoice %q: %w", invoiceID, err)
	}

	modules := bindle.NewUnderstander(invoice).TopModules()
	if len(modules) == 0 {
		return nil, fmt.Errorf("fetch: invoice %q has no default-group application/wasm parcel", invoiceID)
	}
	return c.FetchParcel(ctx, invoiceID, modules[0].Label.SHA256)
}

// FetchInvoice downloads the raw TOML invoice document for invoiceID.
func (c *DefaultBundleClient) FetchInvoice(ctx context.Context, invoiceID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/_i/"+invoiceID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/toml")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: requesting invoice %q: %w", invoiceID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: bundle server returned %d for invoice %q", resp.StatusCode, invoiceID)
	}
	return io.ReadAll(resp.Body)
}

// FetchParcel downloads the raw bytes of the parcel named by sha within
// invoiceID.
func (c *DefaultBundleClient) FetchParcel(ctx context.Context, invoiceID, sha string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/_i/"+invoiceID+"@"+sha, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: requesting parcel %s of invoice %q: %w", sha, invoiceID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: bundle server returned %d for parcel %s", resp.StatusCode, sha)
	}
	return io.ReadAll(resp.Body)
}

// DefaultOCIClient pulls a single Wasm layer from an OCI distribution
// registry using the plain HTTP/JSON manifest+blob protocol (no
// authentication beyond an optional static token, since the pack
// carries no OCI client library to delegate auth negotiation to). It
// satisfies OCIRegistryClient.
type DefaultOCIClient struct {
	Scheme     string
	Token      string
	HTTPClient *http.Client
}

// NewDefaultOCIClient builds a DefaultOCIClient. scheme is "https" or
// "http" (the latter for local/dev registries).
func NewDefaultOCIClient(scheme string) *DefaultOCIClient {
	if scheme == "" {
		scheme = "https"
	}
	return &DefaultOCIClient{Scheme: scheme, HTTPClient: http.DefaultClient}
}

type ociManifest struct {
	Layers []struct {
		MediaType string `json:"mediaType"`
		Digest    string `json:"digest"`
	} `json:"layers"`
}

// PullWasmLayer implements OCIRegistryClient. reference is
// "registry[:port]/repository:tag" as reconstructed by ociReference.
func (c *DefaultOCIClient) PullWasmLayer(ctx context.Context, reference string) ([]byte, error) {
	registry, repository, tag, err := splitOCIReference(reference)
	if err != nil {
		return nil, err
	}

	manifest, err := c.fetchManifest(ctx, registry, repository, tag)
	if err != nil {
		return nil, err
	}
	for _, l := range manifest.Layers {
		if l.MediaType == ociWasmLayerMediaType {
			return c.fetchBlob(ctx, registry, repository, l.Digest)
		}
	}
	return nil, fmt.Errorf("fetch: manifest for %q has no %s layer", reference, ociWasmLayerMediaType)
}

func splitOCIReference(reference string) (registry, repository, tag string, err error) {
	slash := strings.Index(reference, "/")
	if slash < 0 {
		return "", "", "", fmt.Errorf("fetch: malformed OCI reference %q: missing repository", reference)
	}
	registry = reference[:slash]
	rest := reference[slash+1:]
	colon := strings.LastIndex(rest, ":")
	if colon < 0 {
		return "", "", "", fmt.Errorf("fetch: malformed OCI reference %q: missing tag", reference)
	}
	return registry, rest[:colon], rest[colon+1:], nil
}

func (c *DefaultOCIClient) fetchManifest(ctx context.Context, registry, repository, tag string) (ociManifest, error) {
	var manifest ociManifest
	url := fmt.Sprintf("%s://%s/v2/%s/manifests/%s", c.Scheme, registry, repository, tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return manifest, err
	}
	req.Header.Set("Accept", "application/vnd.oci.image.manifest.v1+json")
	c.authorize(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return manifest, fmt.Errorf("fetch: requesting manifest %s/%s:%s: %w", registry, repository, tag, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return manifest, fmt.Errorf("fetch: registry returned %d for manifest %s/%s:%s", resp.StatusCode, registry, repository, tag)
	}
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return manifest, fmt.Errorf("fetch: decoding manifest %s/%s:%s: %w", registry, repository, tag, err)
	}
	return manifest, nil
}

func (c *DefaultOCIClient) fetchBlob(ctx context.Context, registry, repository, digest string) ([]byte, error) {
	url := fmt.Sprintf("%s://%s/v2/%s/blobs/%s", c.Scheme, registry, repository, digest)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: requesting blob %s: %w", digest, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: registry returned %d for blob %s", resp.StatusCode, digest)
	}
	return io.ReadAll(resp.Body)
}

func (c *DefaultOCIClient) authorize(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}
