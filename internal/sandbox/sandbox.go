// Package sandbox aggregates the capability bundle a Wasm module instance
// is given: stdio streams, argv, environment variables, preopened
// directories, and an optional outbound-HTTP capability. It decouples the
// dispatcher from wazero's own configuration API so the capability set can
// be reasoned about and tested on its own.
package sandbox

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
)

// Mount is one preopened-directory request: the guest-visible name and the
// ambient host-side path backing it.
type Mount struct {
	Guest string
	Host  string
}

// HTTPCapability constrains a module's outbound HTTP access. A nil
// AllowedHosts means the module is granted no outbound HTTP capability at
// all; a non-nil (possibly empty) slice restricts requests to those hosts.
// It is attached to a running instance's call context (WithHTTPCapability)
// and enforced by the host module RegisterHTTPHost installs, so it is a
// real capability gate rather than plumbed-but-unused metadata.
type HTTPCapability struct {
	AllowedHosts  []string
	MaxConcurrent uint32 // 0 means unlimited

	// Limiter bounds concurrent in-flight outbound requests across every
	// call that shares this capability (typically every request routed to
	// the same handler). Left nil, the capability only gates by host, not
	// by concurrency.
	Limiter *HTTPLimiter
}

// Allows reports whether host is permitted by this capability. An empty
// AllowedHosts list (as opposed to nil) permits nothing.
func (c HTTPCapability) Allows(host string) bool {
	for _, h := range c.AllowedHosts {
		if h == host || h == "*" {
			return true
		}
	}
	return false
}

// HTTPLimiter caps the number of outbound HTTP requests that may be
// in-flight at once under a shared HTTPCapability. The zero value (Max 0)
// never blocks. Safe for concurrent use; typically one HTTPLimiter is
// shared by every request routed to the same handler.
type HTTPLimiter struct {
	Max uint32
	cur int32
}

// NewHTTPLimiter builds a limiter that admits at most max concurrent
// requests. max of 0 means unlimited.
func NewHTTPLimiter(max uint32) *HTTPLimiter {
	return &HTTPLimiter{Max: max}
}

// TryAcquire reserves one in-flight slot, returning false if the limiter
// is already at capacity. A nil receiver or a zero Max always succeeds.
func (l *HTTPLimiter) TryAcquire() bool {
	if l == nil || l.Max == 0 {
		return true
	}
	for {
		cur := atomic.LoadInt32(&l.cur)
		if uint32(cur) >= l.Max {
			return false
		}
		if atomic.CompareAndSwapInt32(&l.cur, cur, cur+1) {
			return true
		}
	}
}

// Release returns a slot reserved by a successful TryAcquire.
func (l *HTTPLimiter) Release() {
	if l == nil || l.Max == 0 {
		return
	}
	atomic.AddInt32(&l.cur, -1)
}

// Spec describes everything needed to run a single Wasm module instance
// for a single request.
type Spec struct {
	Argv   []string
	Env    map[string]string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Mounts []Mount
	HTTP   *HTTPCapability
}

// ArgvFromRequest builds argv = [uriPath, q1, q2, ...] per the dispatcher's
// CGI argument convention: the query string is split on "&" into
// individual arguments following the path.
func ArgvFromRequest(uriPath, rawQuery string) []string {
	argv := []string{uriPath}
	if rawQuery == "" {
		return argv
	}
	return append(argv, strings.Split(rawQuery, "&")...)
}

// ModuleConfig builds a wazero ModuleConfig from this Spec: argv, env
// pairs, and the three stdio streams. Preopened directories are applied
// separately via FSConfig, since opening a host directory can fail and the
// dispatcher must log-and-continue rather than fail the whole request.
func (s Spec) ModuleConfig() wazero.ModuleConfig {
	// Start functions are disabled: the dispatcher looks up and calls the
	// handler's entrypoint explicitly (which may not be "_start"), rather
	// than relying on wazero's auto-run-on-instantiate behavior.
	cfg := wazero.NewModuleConfig().
		WithStartFunctions().
		WithArgs(s.Argv...).
		WithStdin(s.Stdin).
		WithStdout(s.Stdout).
		WithStderr(s.Stderr)

	for k, v := range s.Env {
		cfg = cfg.WithEnv(k, v)
	}
	return cfg
}

// FSConfig builds the wazero FSConfig mounting every preopened directory
// this Spec declares, skipping (and logging) any mount whose host
// directory fails the checker rather than failing outright.
func (s Spec) FSConfig(checker DirChecker, log *zap.Logger) wazero.FSConfig {
	if log == nil {
		log = zap.NewNop()
	}
	fsCfg := wazero.NewFSConfig()
	for _, m := range s.Mounts {
		if err := checker.CheckDir(m.Host); err != nil {
			log.Error("failed to open preopened directory",
				zap.String("guest", m.Guest), zap.String("host", m.Host), zap.Error(err))
			continue
		}
		fsCfg = fsCfg.WithDirMount(m.Host, m.Guest)
	}
	return fsCfg
}

// DirChecker validates that a host directory is available for mounting
// into a sandboxed module. Abstracted as an interface so tests can
// substitute an always-failing implementation without touching the real
// filesystem.
type DirChecker interface {
	CheckDir(hostPath string) error
}

// OSDirChecker checks a host directory against the real filesystem via
// os.Stat.
type OSDirChecker struct{}

// CheckDir reports an error if hostPath does not exist or is not a
// directory.
func (OSDirChecker) CheckDir(hostPath string) error {
	info, err := os.Stat(hostPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("sandbox: %s is not a directory", hostPath)
	}
	return nil
}

// NormalizeHost extracts the bare hostname from an allowed_hosts entry
// that may carry a scheme or port, e.g. "https://example.com:443" ->
// "example.com". An entry that does not parse as a URL is returned as-is.
func NormalizeHost(entry string) string {
	u, err := url.Parse(entry)
	if err != nil || u.Hostname() == "" {
		return entry
	}
	return u.Hostname()
}
