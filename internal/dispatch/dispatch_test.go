package dispatch

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/tetratelabs/wazero"

	"github.com/wasiogate/wagi/internal/assetcache"
	"github.com/wasiogate/wagi/internal/compiler"
	"github.com/wasiogate/wagi/internal/fetch"
	"github.com/wasiogate/wagi/internal/routing"
)

// noopWasm is the smallest Wasm module that exports a callable, no-op
// "_start" function: magic+version, a () -> () type, one function of that
// type, an export naming it "_start", and a body that is just "end".
var noopWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00,
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
}

func newTestDispatcher(t *testing.T, moduleMapEntries []routing.ModuleMapEntry) *Dispatcher {
	t.Helper()
	ctx := context.Background()

	compilerCache, err := compiler.New(ctx, wazero.NewRuntimeConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { compilerCache.Close(ctx) })

	cache := assetcache.New(afero.NewMemMapFs(), "/cache", 1<<16, nil)
	fetcher := fetch.New(cache, nil, nil, nil)

	table := &atomic.Pointer[routing.Table]{}
	table.Store(routing.Build(routing.BuildFromModuleMap(moduleMapEntries)))

	return New(table, compilerCache, cache, fetcher, afero.NewMemMapFs(), "/logs", "", false, nil, nil)
}

func TestNewStoresEnvVarsForEnvironmentConstruction(t *testing.T) {
	ctx := context.Background()
	compilerCache, err := compiler.New(ctx, wazero.NewRuntimeConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { compilerCache.Close(ctx) })

	cache := assetcache.New(afero.NewMemMapFs(), "/cache", 1<<16, nil)
	fetcher := fetch.New(cache, nil, nil, nil)
	table := &atomic.Pointer[routing.Table]{}
	table.Store(routing.Build(nil))

	envVars := map[string]string{"WAGI_TENANT": "acme"}
	d := New(table, compilerCache, cache, fetcher, afero.NewMemMapFs(), "/logs", "", false, envVars, nil)
	if d.envVars["WAGI_TENANT"] != "acme" {
		t.Fatalf("expected configured env_vars to be stored on the Dispatcher, got %v", d.envVars)
	}
}

func writeTempModule(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "noop.wasm")
	if err := os.WriteFile(p, noopWasm, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDispatchHealthCheck(t *testing.T) {
	d := newTestDispatcher(t, nil)
	u, _ := url.Parse("/healthz")
	resp, err := d.Dispatch(context.Background(), Request{
		Method: "GET", URL: u, Header: http.Header{}, Proto: "HTTP/1.1", Body: bytes.NewReader(nil),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != "OK" {
		t.Fatalf("got status=%d body=%q", resp.StatusCode, resp.Body)
	}
}

func TestDispatchNoRouteIsError(t *testing.T) {
	d := newTestDispatcher(t, nil)
	u, _ := url.Parse("/nope")
	_, err := d.Dispatch(context.Background(), Request{
		Method: "GET", URL: u, Header: http.Header{}, Proto: "HTTP/1.1", Body: bytes.NewReader(nil),
	})
	if err == nil {
		t.Fatal("expected a routing error for an unmatched path")
	}
}

// TestDispatchRunsWasmModule exercises the full pipeline — fetch, compile,
// sandbox, instantiate, run, parse — against a real (if minimal) Wasm
// module. The module writes nothing to stdout, so the composed response is
// the 500 "insufficient CGI headers" response; the point of this test is
// that every stage of the pipeline runs without error up to that point.
func TestDispatchRunsWasmModule(t *testing.T) {
	modPath := writeTempModule(t)
	d := newTestDispatcher(t, []routing.ModuleMapEntry{
		{Route: "/hello", Module: modPath},
	})

	u, _ := url.Parse("/hello")
	resp, err := d.Dispatch(context.Background(), Request{
		Method: "GET", URL: u, Header: http.Header{}, Proto: "HTTP/1.1", Body: bytes.NewReader(nil),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 for a module producing no CGI output, got %d: %s", resp.StatusCode, resp.Body)
	}
}

func TestDispatchMissingEntrypointIsInternalError(t *testing.T) {
	modPath := writeTempModule(t)
	d := newTestDispatcher(t, []routing.ModuleMapEntry{
		{Route: "/hello", Module: modPath, Entrypoint: "does_not_exist"},
	})

	u, _ := url.Parse("/hello")
	resp, err := d.Dispatch(context.Background(), Request{
		Method: "GET", URL: u, Header: http.Header{}, Proto: "HTTP/1.1", Body: bytes.NewReader(nil),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 for a missing entrypoint, got %d", resp.StatusCode)
	}
}
