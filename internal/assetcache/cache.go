// Package assetcache implements the content-addressed local store that
// backs module and asset retrieval: parcel bytes keyed by SHA-256 digest,
// and invoice-scoped asset trees keyed by a digest of the invoice id.
package assetcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/VictoriaMetrics/fastcache"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/wasiogate/wagi/internal/bindle"
)

const (
	blobDir     = "C"
	invoicesDir = "C/_INVOICES"
	assetsDir   = "C/_ASSETS"
)

// Fetcher obtains the bytes for a cache miss, e.g. by reading a local file
// or pulling from a bundle/registry server.
type Fetcher func() ([]byte, error)

// Cache is the on-disk, content-addressed asset store. It is safe for
// concurrent use.
type Cache struct {
	fs   afero.Fs
	root string
	hot  *fastcache.Cache
	log  *zap.Logger
}

// New builds a Cache rooted at root on fs, with a hot in-memory front cache
// sized maxHotBytes. Passing an afero.NewMemMapFs() makes the whole cache
// testable without touching disk.
func New(fs afero.Fs, root string, maxHotBytes int, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		fs:   fs,
		root: root,
		hot:  fastcache.New(maxHotBytes),
		log:  log,
	}
}

// InvoiceKey returns the SHA-256 hex digest used to namespace an invoice's
// cached asset tree.
func InvoiceKey(invoiceID string) string {
	sum := sha256.Sum256([]byte(invoiceID))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) blobPath(digest string) string {
	return filepath.Join(c.root, blobDir, digest)
}

func (c *Cache) invoicePath(invoiceID string) string {
	return filepath.Join(c.root, invoicesDir, InvoiceKey(invoiceID))
}

// AssetDirFor returns the on-disk directory that should be mounted into a
// module as the host side of a "/" mount when that module declares assets.
func (c *Cache) AssetDirFor(invoiceID string) string {
	return filepath.Join(c.root, assetsDir, InvoiceKey(invoiceID))
}

// FetchModuleBytes returns the cached bytes for digest if present, consulting
// the in-memory hot cache first, then the disk store. On a full miss it
// invokes fetch, persists the result atomically, and returns it.
func (c *Cache) FetchModuleBytes(digest string, fetch Fetcher) ([]byte, error) {
	if b, ok := c.hot.HasGet(nil, []byte(digest)); ok {
		return b, nil
	}

	p := c.blobPath(digest)
	if data, err := afero.ReadFile(c.fs, p); err == nil {
		c.hot.Set([]byte(digest), data)
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("assetcache: reading cached blob %s: %w", digest, err)
	}

	data, err := fetch()
	if err != nil {
		return nil, fmt.Errorf("assetcache: fetching %s: %w", digest, err)
	}
	if err := c.writeAtomic(p, data); err != nil {
		c.log.Warn("failed to persist fetched module to cache, serving it uncached",
			zap.String("digest", digest), zap.Error(err))
		c.hot.Set([]byte(digest), data)
		return data, nil
	}
	c.hot.Set([]byte(digest), data)
	c.log.Debug("cached module bytes", zap.String("digest", digest), zap.Int("bytes", len(data)))
	return data, nil
}

// PlaceAsset writes the parcel named parcelName, scoped under invoiceID, if
// it is not already present. parcelName may contain "/" separators, which
// become subdirectories under the invoice's asset tree.
func (c *Cache) PlaceAsset(invoiceID, parcelName string, fetch Fetcher) error {
	safeName, err := sanitizeParcelName(parcelName)
	if err != nil {
		return err
	}
	dest := filepath.Join(c.AssetDirFor(invoiceID), filepath.FromSlash(safeName))
	if exists, err := afero.Exists(c.fs, dest); err != nil {
		return fmt.Errorf("assetcache: checking asset %s: %w", parcelName, err)
	} else if exists {
		return nil
	}

	data, err := fetch()
	if err != nil {
		return fmt.Errorf("assetcache: fetching asset %s: %w", parcelName, err)
	}
	if err := c.writeAtomic(dest, data); err != nil {
		return fmt.Errorf("assetcache: placing asset %s: %w", parcelName, err)
	}
	return nil
}

// StoreInvoice persists the raw TOML bytes of an invoice under its cache
// key, so ReadCachedInvoice can retrieve it without re-fetching.
func (c *Cache) StoreInvoice(invoiceID string, raw []byte) error {
	if err := c.writeAtomic(c.invoicePath(invoiceID), raw); err != nil {
		return fmt.Errorf("assetcache: caching invoice %s: %w", invoiceID, err)
	}
	return nil
}

// ReadCachedInvoice reads and parses the cached invoice manifest for
// invoiceID.
func (c *Cache) ReadCachedInvoice(invoiceID string) (bindle.Invoice, error) {
	var inv bindle.Invoice
	raw, err := afero.ReadFile(c.fs, c.invoicePath(invoiceID))
	if err != nil {
		return inv, fmt.Errorf("assetcache: reading cached invoice %s: %w", invoiceID, err)
	}
	if err := toml.Unmarshal(raw, &inv); err != nil {
		return inv, fmt.Errorf("assetcache: parsing cached invoice %s: %w", invoiceID, err)
	}
	return inv, nil
}

// writeAtomic writes data to a temp file in the same directory as dest and
// renames it into place, so concurrent writers and readers never observe a
// partial file. Since content at a given digest is immutable by
// construction, a lost rename race is harmless: both writers wrote the same
// bytes.
func (c *Cache) writeAtomic(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(c.fs, dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		c.fs.Remove(tmpName)
		return fmt.Errorf("writing temp file %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		c.fs.Remove(tmpName)
		return fmt.Errorf("closing temp file %s: %w", tmpName, err)
	}
	if err := c.fs.Rename(tmpName, dest); err != nil {
		c.fs.Remove(tmpName)
		return fmt.Errorf("renaming %s to %s: %w", tmpName, dest, err)
	}
	return nil
}

// sanitizeParcelName guards against a parcel name escaping the asset tree
// via ".." segments; WAGI parcel names are expected to be simple relative
// paths, but a malicious or malformed invoice should not be able to write
// outside the invoice's asset directory.
func sanitizeParcelName(name string) (string, error) {
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", fmt.Errorf("assetcache: invalid parcel name %q", name)
		}
	}
	return strings.TrimPrefix(path.Clean("/"+name), "/"), nil
}
