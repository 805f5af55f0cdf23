package fetch

import (
	"context"
	"fmt"

	"github.com/BurntSushi/toml"
	"golang.org/x/sync/errgroup"

	"github.com/wasiogate/wagi/internal/bindle"
)

// EmplaceBundle downloads invoiceID's invoice and every handler module and
// asset parcel it requires, caching each in the asset cache before
// returning. This is the eager "emplace everything up front" shape the
// original's Emplacer uses for bundle-sourced configurations (as opposed
// to the lazy, per-request resolution module-map-sourced configurations
// use via Resolve), so the routing table built from the returned handlers
// never needs a network round trip at request time.
func (f *Fetcher) EmplaceBundle(ctx context.Context, invoiceID string) ([]bindle.Handler, error) {
	if f.bundles == nil {
		return nil, fmt.Errorf("fetch: no bundle server client configured for invoice %q", invoiceID)
	}

	raw, err := f.bundles.FetchInvoice(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("fetch: fetching invoice %q: %w", invoiceID, err)
	}
	if err := f.cache.StoreInvoice(invoiceID, raw); err != nil {
		f.log.Warn("failed to cache invoice, continuing with the fetched copy")
	}

	var invoice bindle.Invoice
	if _, err := toml.Decode(string(raw), &invoice); err != nil {
		return nil, fmt.Errorf("fetch: parsing invoice %q: %w", invoiceID, err)
	}

	handlers := bindle.NewUnderstander(invoice).ParseHandlers()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handlers {
		h := h
		g.Go(func() error { return f.emplaceHandler(gctx, invoiceID, h) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return handlers, nil
}

func (f *Fetcher) emplaceHandler(ctx context.Context, invoiceID string, h bindle.Handler) error {
	digest := h.Parcel.Label.SHA256
	if _, err := f.cache.FetchModuleBytes(digest, func() ([]byte, error) {
		return f.bundles.FetchParcel(ctx, invoiceID, digest)
	}); err != nil {
		return fmt.Errorf("fetch: emplacing module parcel %s for handler %q: %w", h.Parcel.Label.Name, h.Route, err)
	}

	for _, asset := range h.AssetParcels() {
		asset := asset
		if err := f.cache.PlaceAsset(invoiceID, asset.Label.Name, func() ([]byte, error) {
			return f.bundles.FetchParcel(ctx, invoiceID, asset.Label.SHA256)
		}); err != nil {
			return fmt.Errorf("fetch: emplacing asset %s for handler %q: %w", asset.Label.Name, h.Route, err)
		}
	}
	return nil
}
