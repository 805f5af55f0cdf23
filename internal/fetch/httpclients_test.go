package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDefaultBundleClientFetchesDefaultWasmParcel(t *testing.T) {
	wasmBytes := []byte("\x00asm module bytes")
	sum := sha256.Sum256(wasmBytes)
	digest := hex.EncodeToString(sum[:])

	mux := http.NewServeMux()
	mux.HandleFunc("/_i/hello/1.0.0", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `
[[parcel]]
[parcel.label]
sha256 = %q
mediaType = "application/wasm"
name = "hello.wasm"

[[parcel]]
[parcel.label]
sha256 = "deadbeef"
mediaType = "text/plain"
name = "readme.txt"
[parcel.conditions]
memberOf = ["assets"]
`, digest)
	})
	mux.HandleFunc("/_i/hello/1.0.0@"+digest, func(w http.ResponseWriter, r *http.Request) {
		w.Write(wasmBytes)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewDefaultBundleClient(srv.URL)
	got, err := client.DefaultWasmParcel(context.Background(), "hello/1.0.0")
	if err != nil {
		t.Fatalf("DefaultWasmParcel: %v", err)
	}
	if string(got) != string(wasmBytes) {
		t.Errorf("got %q, want %q", got, wasmBytes)
	}
}

func TestDefaultBundleClientNoDefaultParcelErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/_i/hello/1.0.0", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `
[[parcel]]
[parcel.label]
sha256 = "x"
mediaType = "text/plain"
`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewDefaultBundleClient(srv.URL)
	if _, err := client.DefaultWasmParcel(context.Background(), "hello/1.0.0"); err == nil {
		t.Fatal("expected an error when no default wasm parcel exists")
	}
}

func TestDefaultOCIClientPullsWasmLayer(t *testing.T) {
	wasmBytes := []byte("\x00asm oci layer bytes")
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/example/widget/manifests/v1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"layers":[{"mediaType":"application/vnd.wasm.content.layer.v1+wasm","digest":"sha256:abc123"}]}`)
	})
	mux.HandleFunc("/v2/example/widget/blobs/sha256:abc123", func(w http.ResponseWriter, r *http.Request) {
		w.Write(wasmBytes)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	client := NewDefaultOCIClient("http")
	got, err := client.PullWasmLayer(context.Background(), host+"/example/widget:v1")
	if err != nil {
		t.Fatalf("PullWasmLayer: %v", err)
	}
	if string(got) != string(wasmBytes) {
		t.Errorf("got %q, want %q", got, wasmBytes)
	}
}

func TestSplitOCIReference(t *testing.T) {
	registry, repo, tag, err := splitOCIReference("example.com:9000/foo/bar:dev")
	if err != nil {
		t.Fatal(err)
	}
	if registry != "example.com:9000" || repo != "foo/bar" || tag != "dev" {
		t.Errorf("got (%q, %q, %q)", registry, repo, tag)
	}
}

func TestSplitOCIReferenceRejectsMissingTag(t *testing.T) {
	if _, _, _, err := splitOCIReference("example.com/foo"); err == nil {
		t.Fatal("expected an error for a reference with no tag")
	}
}
