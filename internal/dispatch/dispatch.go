// Package dispatch implements the request dispatcher: it orchestrates
// routing, CGI environment construction, sandboxed module execution, and
// CGI response composition for a single inbound request.
package dispatch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wasiogate/wagi/internal/assetcache"
	"github.com/wasiogate/wagi/internal/cgi"
	"github.com/wasiogate/wagi/internal/compiler"
	"github.com/wasiogate/wagi/internal/fetch"
	"github.com/wasiogate/wagi/internal/routing"
	"github.com/wasiogate/wagi/internal/sandbox"
)

const stderrFileName = "module.stderr"

// Dispatcher wires together every component a request needs: the current
// routing table (swapped atomically on config reload), the compiled-module
// cache, the asset cache, the module fetcher, and the logging sinks.
type Dispatcher struct {
	table       *atomic.Pointer[routing.Table]
	compiler    *compiler.Cache
	cache       *assetcache.Cache
	fetcher     *fetch.Fetcher
	fs          afero.Fs
	logRoot     string
	defaultHost string
	useTLS      bool
	envVars     map[string]string
	dirChecker  sandbox.DirChecker
	log         *zap.Logger

	httpLimiters sync.Map // handler key (string) -> *sandbox.HTTPLimiter
}

// New builds a Dispatcher. table must already hold a built routing table.
// envVars seeds every module's CGI environment (§4.7 rule 1) before the
// request-derived variables are layered on top; it may be nil.
func New(
	table *atomic.Pointer[routing.Table],
	compilerCache *compiler.Cache,
	cache *assetcache.Cache,
	fetcher *fetch.Fetcher,
	fs afero.Fs,
	logRoot, defaultHost string,
	useTLS bool,
	envVars map[string]string,
	log *zap.Logger,
) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		table:       table,
		compiler:    compilerCache,
		cache:       cache,
		fetcher:     fetcher,
		fs:          fs,
		logRoot:     logRoot,
		defaultHost: defaultHost,
		useTLS:      useTLS,
		envVars:     envVars,
		dirChecker:  sandbox.OSDirChecker{},
		log:         log,
	}
}

// Request is the information the dispatcher needs about an inbound HTTP
// request. Kept independent of *http.Request so it is trivial to
// construct in tests and so the caller controls exactly how the body is
// read.
type Request struct {
	Method     string
	URL        *url.URL
	Header     http.Header
	Proto      string
	RemoteAddr string
	Body       io.Reader
}

// Dispatch runs the full per-request pipeline and returns the composed CGI
// response, or an error for conditions that never reach module execution
// (currently only a routing miss, which the caller should translate to a
// 404; every other failure is already folded into the returned Response's
// status code per §7's recovery rules).
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (cgi.Response, error) {
	table := d.table.Load()
	entry, err := table.RouteFor(req.URL.Path)
	if err != nil {
		return cgi.Response{}, err
	}

	if entry.Kind == routing.HealthCheckHandler {
		return cgi.Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: []byte("OK")}, nil
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return internalError(fmt.Errorf("dispatch: reading request body: %w", err)), nil
	}

	handlerKey := handlerLogKey(entry.Pattern.OriginalText())
	logDir := filepath.Join(d.logRoot, handlerKey)
	if err := d.fs.MkdirAll(logDir, 0o755); err != nil {
		return internalError(fmt.Errorf("dispatch: creating log directory: %w", err)), nil
	}
	stderrFile, err := d.fs.OpenFile(filepath.Join(logDir, stderrFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return internalError(fmt.Errorf("dispatch: opening stderr log: %w", err)), nil
	}
	defer stderrFile.Close()

	env := cgi.BuildEnvironment(entry.Pattern, cgi.RequestParts{
		Method:     req.Method,
		URL:        req.URL,
		Header:     req.Header,
		Proto:      req.Proto,
		RemoteAddr: req.RemoteAddr,
	}, int64(len(body)), d.defaultHost, d.useTLS, d.envVars)

	spec := sandbox.Spec{
		Argv:   sandbox.ArgvFromRequest(req.URL.Path, req.URL.RawQuery),
		Env:    env,
		Stdin:  bytes.NewReader(body),
		Stdout: &bytes.Buffer{},
		Stderr: stderrFile,
		Mounts: mountsFrom(entry.Wasm.Volumes),
	}
	if entry.Wasm.AllowedHosts != nil || entry.Wasm.HTTPMaxConcurrency != nil {
		httpCap := sandbox.HTTPCapability{AllowedHosts: entry.Wasm.AllowedHosts}
		if entry.Wasm.HTTPMaxConcurrency != nil {
			httpCap.MaxConcurrent = *entry.Wasm.HTTPMaxConcurrency
			httpCap.Limiter = d.httpLimiterFor(handlerKey, httpCap.MaxConcurrent)
		}
		spec.HTTP = &httpCap
	}

	wasmBytes, err := d.resolveModuleBytes(ctx, entry.Wasm.ModuleRef)
	if err != nil {
		return internalError(fmt.Errorf("dispatch: resolving module: %w", err)), nil
	}

	compiled, err := d.compiler.Compile(ctx, wasmBytes)
	if err != nil {
		return internalError(fmt.Errorf("dispatch: compiling module: %w", err)), nil
	}

	stdout := spec.Stdout.(*bytes.Buffer)
	if err := d.runEntrypoint(ctx, compiled, spec, entry.Wasm.Entrypoint); err != nil {
		d.log.Error("module execution failed",
			zap.String("handler", entry.HandlerName), zap.String("entrypoint", entry.Wasm.Entrypoint), zap.Error(err))
		return internalError(err), nil
	}

	return cgi.ParseOutputWithLogger(stdout.Bytes(), d.log), nil
}

// runEntrypoint instantiates compiled in a fresh store and calls the named
// entrypoint, recovering from any panic inside the call so one request's
// failure can never take down the server. The instantiation and call are
// both bound to ctx, via errgroup, so a future cancellation hook (request
// context cancellation, client disconnect) has a natural attachment point.
func (d *Dispatcher) runEntrypoint(ctx context.Context, compiled wazero.CompiledModule, spec sandbox.Spec, entrypoint string) error {
	g, gctx := errgroup.WithContext(ctx)
	gctx = sandbox.WithHTTPCapability(gctx, spec.HTTP)
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("dispatch: panic in module execution: %v", r)
			}
		}()

		fsConfig := spec.FSConfig(d.dirChecker, d.log)
		modCfg := spec.ModuleConfig().WithFSConfig(fsConfig)

		mod, err := d.compiler.Runtime().InstantiateModule(gctx, compiled, modCfg)
		if err != nil {
			return fmt.Errorf("instantiating module: %w", err)
		}
		defer mod.Close(gctx)

		fn := mod.ExportedFunction(entrypoint)
		if fn == nil {
			return fmt.Errorf("entrypoint %q not found in module", entrypoint)
		}
		if _, err := fn.Call(gctx); err != nil {
			return fmt.Errorf("calling entrypoint %q: %w", entrypoint, err)
		}
		return nil
	})
	return g.Wait()
}

// httpLimiterFor returns the shared HTTPLimiter for handlerKey, creating
// it on first use so every request routed to the same handler enforces
// the same concurrent-request ceiling rather than each getting its own.
func (d *Dispatcher) httpLimiterFor(handlerKey string, max uint32) *sandbox.HTTPLimiter {
	if existing, ok := d.httpLimiters.Load(handlerKey); ok {
		return existing.(*sandbox.HTTPLimiter)
	}
	limiter, _ := d.httpLimiters.LoadOrStore(handlerKey, sandbox.NewHTTPLimiter(max))
	return limiter.(*sandbox.HTTPLimiter)
}

// resolveModuleBytes fetches the handler's module bytes: either through
// the asset cache directly (a bundle handler's ModuleRef is a content
// digest already present in the cache from eager emplacement) or through
// the fetcher (a module-map handler's ModuleRef is a fetch-resolvable
// reference).
func (d *Dispatcher) resolveModuleBytes(ctx context.Context, moduleRef string) ([]byte, error) {
	if isDigest(moduleRef) {
		return d.cache.FetchModuleBytes(moduleRef, func() ([]byte, error) {
			return nil, fmt.Errorf("dispatch: digest %s not present in asset cache (expected eager emplacement)", moduleRef)
		})
	}
	return d.fetcher.Resolve(ctx, moduleRef)
}

// isDigest reports whether ref looks like a bare lowercase hex SHA-256
// digest rather than a module reference string.
func isDigest(ref string) bool {
	if len(ref) != 64 {
		return false
	}
	for _, r := range ref {
		if !(r >= '0' && r <= '9') && !(r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

// mountsFrom converts a routing entry's guest->host volume map into
// sandbox.Mount values. Map iteration order is irrelevant: each mount is
// independent.
func mountsFrom(volumes map[string]string) []sandbox.Mount {
	if len(volumes) == 0 {
		return nil
	}
	out := make([]sandbox.Mount, 0, len(volumes))
	for guest, host := range volumes {
		out = append(out, sandbox.Mount{Guest: guest, Host: host})
	}
	return out
}

// handlerLogKey computes the per-handler logfile directory name as the
// hex SHA-256 of the matched route's original text, so two different
// routes pointing at the same module get separate log directories.
func handlerLogKey(originalText string) string {
	sum := sha256.Sum256([]byte(originalText))
	return hex.EncodeToString(sum[:])
}

func internalError(err error) cgi.Response {
	return cgi.Response{
		StatusCode: http.StatusInternalServerError,
		Header:     make(http.Header),
		Body:       []byte(err.Error()),
	}
}
