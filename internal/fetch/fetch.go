// Package fetch resolves a module reference string (a local path, or a
// file:/bindle:/oci: URL) to the bytes of a Wasm module, consulting the
// asset cache for any reference that required a remote round trip.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/wasiogate/wagi/internal/assetcache"
)

// BundleServerClient is the narrow contract a bundle (Bindle) server client
// must satisfy. It is named only by interface: this module carries a
// minimal HTTP-based default implementation, but any compatible client can
// be substituted.
type BundleServerClient interface {
	// DefaultWasmParcel fetches the bytes of the first default-group
	// application/wasm parcel in the invoice identified by invoiceID.
	DefaultWasmParcel(ctx context.Context, invoiceID string) ([]byte, error)
	// FetchInvoice fetches the raw invoice document for invoiceID, used
	// by eager emplacement to enumerate every handler's required
	// parcels up front.
	FetchInvoice(ctx context.Context, invoiceID string) ([]byte, error)
	// FetchParcel fetches the raw bytes of the parcel named by sha
	// within invoiceID.
	FetchParcel(ctx context.Context, invoiceID, sha string) ([]byte, error)
}

// OCIRegistryClient is the narrow contract an OCI registry puller must
// satisfy, named only by interface per the same carve-out.
type OCIRegistryClient interface {
	// PullWasmLayer pulls the single Wasm content layer of the artifact
	// named by reference (authority + path + tag).
	PullWasmLayer(ctx context.Context, reference string) ([]byte, error)
}

// Fetcher resolves module references to bytes, caching remote fetches.
type Fetcher struct {
	cache   *assetcache.Cache
	bundles BundleServerClient
	oci     OCIRegistryClient
	log     *zap.Logger
}

// New builds a Fetcher. Either client may be nil if the corresponding
// scheme is never used; attempting to resolve that scheme then fails with
// a clear error rather than a nil-pointer panic.
func New(cache *assetcache.Cache, bundles BundleServerClient, oci OCIRegistryClient, log *zap.Logger) *Fetcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{cache: cache, bundles: bundles, oci: oci, log: log}
}

// Resolve fetches the bytes named by moduleRef, which may be a bare local
// path or a file:/bindle:/oci: URL.
func (f *Fetcher) Resolve(ctx context.Context, moduleRef string) ([]byte, error) {
	u, err := url.Parse(moduleRef)
	if err != nil || u.Scheme == "" {
		return os.ReadFile(moduleRef)
	}

	switch u.Scheme {
	case "file":
		return os.ReadFile(u.Path)
	case "bindle":
		return f.fetchCached(moduleRef, func() ([]byte, error) {
			if f.bundles == nil {
				return nil, fmt.Errorf("fetch: no bundle server client configured for %q", moduleRef)
			}
			invoiceID := strings.TrimPrefix(u.Path, "/")
			return f.bundles.DefaultWasmParcel(ctx, invoiceID)
		})
	case "oci":
		return f.fetchCached(moduleRef, func() ([]byte, error) {
			if f.oci == nil {
				return nil, fmt.Errorf("fetch: no OCI registry client configured for %q", moduleRef)
			}
			return f.oci.PullWasmLayer(ctx, ociReference(u))
		})
	default:
		return nil, fmt.Errorf("fetch: unknown scheme %q in module reference %q", u.Scheme, moduleRef)
	}
}

// fetchCached keys a remote fetch by the SHA-256 of the reference string
// and delegates caching to the asset cache: a cache write failure is
// logged but does not fail the fetch, since the bytes are still usable for
// this request even if they could not be persisted for the next one.
func (f *Fetcher) fetchCached(moduleRef string, fetch assetcache.Fetcher) ([]byte, error) {
	digest := referenceDigest(moduleRef)
	data, err := f.cache.FetchModuleBytes(digest, fetch)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func referenceDigest(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:])
}

// ociReference reconstructs "authority/path:tag"-shaped reference text from
// a parsed oci: URL, e.g. "oci://example.com:9000/foo:dev" becomes
// "example.com:9000/foo:dev" and "oci:example/foo:1.2.3" becomes
// "example/foo:1.2.3".
func ociReference(u *url.URL) string {
	if u.Host != "" {
		return u.Host + u.Path
	}
	return u.Opaque
}
