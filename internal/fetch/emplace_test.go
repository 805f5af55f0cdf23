package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/spf13/afero"

	"github.com/wasiogate/wagi/internal/assetcache"
)

type fakeEmplaceBundleClient struct {
	invoice     []byte
	parcelBytes map[string][]byte
}

func (f *fakeEmplaceBundleClient) DefaultWasmParcel(ctx context.Context, invoiceID string) ([]byte, error) {
	return nil, fmt.Errorf("not used by emplacement")
}

func (f *fakeEmplaceBundleClient) FetchInvoice(ctx context.Context, invoiceID string) ([]byte, error) {
	return f.invoice, nil
}

func (f *fakeEmplaceBundleClient) FetchParcel(ctx context.Context, invoiceID, sha string) ([]byte, error) {
	data, ok := f.parcelBytes[sha]
	if !ok {
		return nil, fmt.Errorf("no parcel for sha %s", sha)
	}
	return data, nil
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestEmplaceBundleCachesModuleAndAssets(t *testing.T) {
	moduleBytes := []byte("\x00asm handler module")
	assetBytes := []byte("asset contents")
	moduleDigest := digestOf(moduleBytes)
	assetDigest := digestOf(assetBytes)

	invoiceToml := fmt.Sprintf(`
[bindle]
name = "hello"
version = "1.0.0"

[[parcel]]
[parcel.label]
sha256 = %q
name = "hello.wasm"
mediaType = "application/wasm"
[parcel.label.feature.wagi]
route = "/hello"
[parcel.conditions]
requires = ["hello.wasm-assets"]

[[parcel]]
[parcel.label]
sha256 = %q
name = "data.txt"
mediaType = "text/plain"
[parcel.label.feature.wagi]
file = "true"
[parcel.conditions]
memberOf = ["hello.wasm-assets"]

[[group]]
name = "hello.wasm-assets"
`, moduleDigest, assetDigest)

	bundles := &fakeEmplaceBundleClient{
		invoice: []byte(invoiceToml),
		parcelBytes: map[string][]byte{
			moduleDigest: moduleBytes,
			assetDigest:  assetBytes,
		},
	}

	fs := afero.NewMemMapFs()
	cache := assetcache.New(fs, "/cache", 1<<16, nil)
	f := New(cache, bundles, nil, nil)

	handlers, err := f.EmplaceBundle(context.Background(), "hello/1.0.0")
	if err != nil {
		t.Fatalf("EmplaceBundle: %v", err)
	}
	if len(handlers) != 1 {
		t.Fatalf("expected 1 handler, got %d", len(handlers))
	}
	if handlers[0].Route != "/hello" {
		t.Errorf("route = %q, want /hello", handlers[0].Route)
	}

	got, err := cache.FetchModuleBytes(moduleDigest, func() ([]byte, error) {
		t.Fatal("module bytes should already be cached by emplacement")
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(moduleBytes) {
		t.Errorf("cached module bytes = %q", got)
	}

	assetPath := cache.AssetDirFor("hello/1.0.0") + "/data.txt"
	assetData, err := afero.ReadFile(fs, assetPath)
	if err != nil {
		t.Fatalf("reading cached asset: %v", err)
	}
	if string(assetData) != string(assetBytes) {
		t.Errorf("cached asset bytes = %q", assetData)
	}
}

func TestEmplaceBundleRequiresBundleClient(t *testing.T) {
	fs := afero.NewMemMapFs()
	cache := assetcache.New(fs, "/cache", 1<<16, nil)
	f := New(cache, nil, nil, nil)

	if _, err := f.EmplaceBundle(context.Background(), "hello/1.0.0"); err == nil {
		t.Fatal("expected an error with no bundle client configured")
	}
}
