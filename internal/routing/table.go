// Package routing builds and queries the routing table: the ordered list
// of route patterns and the handler each dispatches to.
package routing

import (
	"fmt"

	"github.com/wasiogate/wagi/internal/bindle"
	"github.com/wasiogate/wagi/internal/route"
)

// DefaultEntrypoint is the Wasm export invoked when a handler does not
// declare one explicitly.
const DefaultEntrypoint = "_start"

// HandlerKind distinguishes built-in handlers from Wasm-backed ones.
type HandlerKind int

const (
	// WasmHandler dispatches to a Wasm module.
	WasmHandler HandlerKind = iota
	// HealthCheckHandler answers the built-in /healthz endpoint.
	HealthCheckHandler
)

// WasmRouteHandler carries everything the dispatcher needs to run a
// matched Wasm module for a request.
type WasmRouteHandler struct {
	ModuleRef          string // a fetch-resolvable reference, or an invoice-scoped parcel digest
	Entrypoint         string
	Volumes            map[string]string // guest mount point -> host directory
	AllowedHosts       []string          // nil means no outbound HTTP access; non-nil (possibly empty) lists the permitted hosts
	HTTPMaxConcurrency *uint32
}

// Entry is one row of the routing table: a pattern plus the handler it
// dispatches to.
type Entry struct {
	Pattern     route.Pattern
	Kind        HandlerKind
	Wasm        WasmRouteHandler
	HandlerName string // for logging: the module-map module path, or the parcel name
}

// Matches reports whether this entry's pattern matches uriFragment.
func (e Entry) Matches(uriFragment string) bool {
	return e.Pattern.Matches(uriFragment)
}

// Table is the ordered set of routing entries consulted for every request:
// first match wins.
type Table struct {
	Entries []Entry
}

// RouteFor returns the first entry whose pattern matches uriFragment.
func (t *Table) RouteFor(uriFragment string) (Entry, error) {
	for _, e := range t.Entries {
		if e.Matches(uriFragment) {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("routing: no handler for path %q", uriFragment)
}

// ModuleMapEntry is one row of a module-map configuration source (as
// opposed to a bundle invoice source).
type ModuleMapEntry struct {
	Route              string
	Module             string // a fetch-resolvable module reference
	Entrypoint         string // empty means DefaultEntrypoint
	Volumes            map[string]string
	AllowedHosts       []string
	HTTPMaxConcurrency *uint32
}

// BuildFromModuleMap constructs routing entries from module-map
// configuration entries, one entry per module-map row.
func BuildFromModuleMap(entries []ModuleMapEntry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, src := range entries {
		entrypoint := src.Entrypoint
		if entrypoint == "" {
			entrypoint = DefaultEntrypoint
		}
		out = append(out, Entry{
			Pattern: route.Parse(src.Route),
			Kind:    WasmHandler,
			Wasm: WasmRouteHandler{
				ModuleRef:          src.Module,
				Entrypoint:         entrypoint,
				Volumes:            src.Volumes,
				AllowedHosts:       src.AllowedHosts,
				HTTPMaxConcurrency: src.HTTPMaxConcurrency,
			},
			HandlerName: src.Module,
		})
	}
	return out
}

// AssetDirForInvoice resolves the on-disk directory to mount as "/" for a
// handler with asset parcels. Callers supply this via assetcache.Cache's
// own AssetDirFor to avoid an import-cycle between routing and assetcache.
type AssetDirForInvoice func(invoiceID string) string

// BuildFromInvoice constructs routing entries from a bundle invoice's WAGI
// handlers, each keyed by its content digest rather than a filesystem path:
// the caller resolves ModuleRef through the asset cache at dispatch time.
// A handler with any asset parcels gets a single "/" volume mount pointing
// at its invoice's asset directory.
func BuildFromInvoice(invoiceID string, handlers []bindle.Handler, assetDirFor AssetDirForInvoice) []Entry {
	out := make([]Entry, 0, len(handlers))
	for _, h := range handlers {
		entrypoint := h.Entrypoint
		if entrypoint == "" {
			entrypoint = DefaultEntrypoint
		}

		var volumes map[string]string
		if assets := h.AssetParcels(); len(assets) > 0 {
			volumes = map[string]string{"/": assetDirFor(invoiceID)}
		}

		out = append(out, Entry{
			Pattern: route.Parse(h.Route),
			Kind:    WasmHandler,
			Wasm: WasmRouteHandler{
				ModuleRef:    h.Parcel.Label.SHA256,
				Entrypoint:   entrypoint,
				Volumes:      volumes,
				AllowedHosts: h.AllowedHosts,
			},
			HandlerName: h.Parcel.Label.Name,
		})
	}
	return out
}

// InbuiltEntries returns the routing entries WAGI always provides,
// regardless of configuration source. They are appended last, so
// user-configured routes take priority on a pattern collision.
func InbuiltEntries() []Entry {
	return []Entry{
		{
			Pattern:     route.Parse("/healthz"),
			Kind:        HealthCheckHandler,
			HandlerName: "healthz",
		},
	}
}

// Build assembles a full table from a pre-built entry slice (from either
// BuildFromModuleMap or BuildFromInvoice) plus the inbuilt entries.
func Build(configured []Entry) *Table {
	all := make([]Entry, 0, len(configured)+1)
	all = append(all, configured...)
	all = append(all, InbuiltEntries()...)
	return &Table{Entries: all}
}
