// Package registry maps approved collateral assets to their price feeds.
// Registration happens once at construction; everything downstream treats
// the set as immutable. Enumeration order is insertion order — aggregate
// valuation depends on it, so it is part of the contract.
package registry

import (
	"errors"
	"fmt"

	"github.com/atmx/vault-engine/internal/oracle"
)

var (
	// ErrConfigMismatch is returned when the asset and feed lists passed at
	// construction have different lengths.
	ErrConfigMismatch = errors.New("registry: asset and price feed lists must have equal length")

	// ErrAssetNotAllowed is returned when an operation names an asset that
	// was never registered.
	ErrAssetNotAllowed = errors.New("registry: asset not allowed")

	// ErrDuplicateAsset is returned when the same asset appears twice at
	// construction.
	ErrDuplicateAsset = errors.New("registry: duplicate asset")
)

// Registry is the ordered set of approved collateral assets.
type Registry struct {
	order []string
	feeds map[string]oracle.PriceFeed
}

// New builds a registry from parallel asset and feed slices. The slices
// must have equal length and no repeated assets.
func New(assets []string, feeds []oracle.PriceFeed) (*Registry, error) {
	if len(assets) != len(feeds) {
		return nil, ErrConfigMismatch
	}
	r := &Registry{
		order: make([]string, 0, len(assets)),
		feeds: make(map[string]oracle.PriceFeed, len(assets)),
	}
	for i, asset := range assets {
		if _, ok := r.feeds[asset]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAsset, asset)
		}
		r.order = append(r.order, asset)
		r.feeds[asset] = feeds[i]
	}
	return r, nil
}

// Feed returns the price feed for a registered asset.
func (r *Registry) Feed(asset string) (oracle.PriceFeed, error) {
	feed, ok := r.feeds[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotAllowed, asset)
	}
	return feed, nil
}

// Allowed reports whether the asset is registered.
func (r *Registry) Allowed(asset string) bool {
	_, ok := r.feeds[asset]
	return ok
}

// Assets returns the registered assets in insertion order. The returned
// slice is a copy.
func (r *Registry) Assets() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
