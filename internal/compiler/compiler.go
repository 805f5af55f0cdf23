// Package compiler maintains a process-wide cache of compiled Wasm
// modules keyed by the content hash of their bytes, so the same module
// bytes are never compiled twice concurrently.
package compiler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wasiogate/wagi/internal/sandbox"
)

// Cache compiles Wasm bytes and memoises the result by content hash. The
// underlying wazero Runtime is created once and shared across every
// compiled module and every later instantiation.
type Cache struct {
	runtime wazero.Runtime
	mu      sync.RWMutex
	modules map[string]wazero.CompiledModule
	group   singleflight.Group
	log     *zap.Logger
}

// New builds a Cache with the given wazero runtime configuration. The WASI
// preview1 host module is instantiated once against the shared runtime.
func New(ctx context.Context, cfg wazero.RuntimeConfig, log *zap.Logger) (*Cache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compiler: instantiating WASI preview1: %w", err)
	}
	if err := sandbox.RegisterHTTPHost(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compiler: instantiating outbound-HTTP capability host: %w", err)
	}
	return &Cache{
		runtime: rt,
		modules: make(map[string]wazero.CompiledModule),
		log:     log,
	}, nil
}

// Runtime returns the shared wazero Runtime, for callers that need to
// instantiate a compiled module.
func (c *Cache) Runtime() wazero.Runtime { return c.runtime }

// Digest returns the content-hash key this cache uses for a module's bytes.
func Digest(wasmBytes []byte) string {
	sum := sha256.Sum256(wasmBytes)
	return hex.EncodeToString(sum[:])
}

// Compile returns the compiled module for wasmBytes, compiling and caching
// it on first use. Concurrent callers requesting the same bytes share a
// single in-flight compilation; a lost singleflight race (two callers
// landing in different generations) still produces a correct result,
// because both compiles are derived from the same bytes.
func (c *Cache) Compile(ctx context.Context, wasmBytes []byte) (wazero.CompiledModule, error) {
	key := Digest(wasmBytes)

	c.mu.RLock()
	if m, ok := c.modules[key]; ok {
		c.mu.RUnlock()
		return m, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		c.mu.RLock()
		if m, ok := c.modules[key]; ok {
			c.mu.RUnlock()
			return m, nil
		}
		c.mu.RUnlock()

		compiled, err := c.runtime.CompileModule(ctx, wasmBytes)
		if err != nil {
			return nil, fmt.Errorf("compiler: compiling module %s: %w", key, err)
		}

		c.mu.Lock()
		c.modules[key] = compiled
		c.mu.Unlock()
		c.log.Debug("compiled module", zap.String("digest", key), zap.Int("bytes", len(wasmBytes)))
		return compiled, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(wazero.CompiledModule), nil
}

// Close releases the shared runtime and every compiled module it holds.
func (c *Cache) Close(ctx context.Context) error {
	return c.runtime.Close(ctx)
}
