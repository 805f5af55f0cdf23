package sandbox

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// HTTPHostModuleName is the module name a guest's outbound-HTTP bindings
// import to reach the capability gate: host_allowed, begin_request, and
// end_request. The host module performs no network I/O itself; it only
// answers whether the calling instance may proceed, the same role
// wasi-experimental-http's HttpCtx plays in the original's Wasmtime
// linker, just without the request/response plumbing that goes with it.
const HTTPHostModuleName = "wagi_http"

type httpCapCtxKey struct{}

// WithHTTPCapability attaches cap to ctx so the outbound-HTTP host module
// enforces it for any guest call made while ctx is in scope. A nil cap
// denies every host and refuses every concurrency slot.
func WithHTTPCapability(ctx context.Context, cap *HTTPCapability) context.Context {
	return context.WithValue(ctx, httpCapCtxKey{}, cap)
}

func capabilityFromContext(ctx context.Context) *HTTPCapability {
	cap, _ := ctx.Value(httpCapCtxKey{}).(*HTTPCapability)
	return cap
}

// RegisterHTTPHost instantiates the outbound-HTTP capability gate against
// runtime. Like wasi_snapshot_preview1, it is registered once against the
// process-wide runtime, not per request: the capability actually enforced
// for a given guest call is read from that call's context
// (WithHTTPCapability), so concurrent requests to different routes are
// gated by different allow-lists through the same host module instance.
func RegisterHTTPHost(ctx context.Context, runtime wazero.Runtime) error {
	_, err := runtime.NewHostModuleBuilder(HTTPHostModuleName).
		NewFunctionBuilder().WithFunc(hostAllowed).Export("host_allowed").
		NewFunctionBuilder().WithFunc(beginRequest).Export("begin_request").
		NewFunctionBuilder().WithFunc(endRequest).Export("end_request").
		Instantiate(ctx)
	return err
}

// hostAllowed reports whether the host named by the UTF-8 bytes at
// [hostPtr, hostPtr+hostLen) in guest memory may be contacted: 1 if so, 0
// otherwise, including when the call's context carries no capability at
// all (a module with no allowed_hosts configured gets no access).
func hostAllowed(ctx context.Context, mod api.Module, hostPtr, hostLen uint32) uint32 {
	cap := capabilityFromContext(ctx)
	if cap == nil {
		return 0
	}
	host, ok := mod.Memory().Read(hostPtr, hostLen)
	if !ok {
		return 0
	}
	if cap.Allows(string(host)) {
		return 1
	}
	return 0
}

// beginRequest reserves one of the capability's concurrent-request slots,
// returning 1 if reserved or 0 if the capability has no room (or the
// context carries no capability). A successful beginRequest must be
// paired with a later endRequest.
func beginRequest(ctx context.Context, _ api.Module) uint32 {
	cap := capabilityFromContext(ctx)
	if cap == nil {
		return 0
	}
	if cap.Limiter.TryAcquire() {
		return 1
	}
	return 0
}

// endRequest releases a slot reserved by beginRequest.
func endRequest(ctx context.Context, _ api.Module) {
	if cap := capabilityFromContext(ctx); cap != nil {
		cap.Limiter.Release()
	}
}
