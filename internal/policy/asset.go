package policy

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Asset is a closed enumeration of the symbols the kernel can hold a
// balance in or trade between. New assets are added by extending the
// registry below, never by accepting arbitrary strings from a caller.
type Asset string

const (
	USDC Asset = "USDC"
	ETH  Asset = "ETH"
)

// AssetMeta describes the fixed, on-chain facts about a supported asset.
type AssetMeta struct {
	Symbol   Asset
	Decimals int
	Address  common.Address
}

// registry is the closed set of supported assets. It is intentionally not
// exported for mutation: callers extend it by adding a case here, not by
// registering at runtime, so that AllowedAssets sets and rule evaluation
// stay total over a known universe.
var registry = map[Asset]AssetMeta{
	USDC: {Symbol: USDC, Decimals: 6, Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")},
	ETH:  {Symbol: ETH, Decimals: 18, Address: common.Address{}},
}

// Meta returns the fixed metadata for a supported asset.
func Meta(a Asset) (AssetMeta, bool) {
	m, ok := registry[a]
	return m, ok
}

// IsSupported reports whether a is one of the closed set of known assets.
func IsSupported(a Asset) bool {
	_, ok := registry[a]
	return ok
}

// Decimals returns the display decimal count for a, or an error if a is not
// a supported asset.
func Decimals(a Asset) (int, error) {
	m, ok := registry[a]
	if !ok {
		return 0, fmt.Errorf("policy: unsupported asset %q", a)
	}
	return m.Decimals, nil
}

// SortedAssets returns every supported asset symbol in lexicographic order.
// Used wherever an iteration order over the registry needs to be
// deterministic (simulation balances, display listings); channel encoding
// sorts its own map keys instead.
func SortedAssets() []Asset {
	out := make([]Asset, 0, len(registry))
	for a := range registry {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
