package mcptool

import (
	"fmt"
	"math/big"

	"sentinel-kernel/internal/policy"
)

// toBaseUnits converts a human-readable decimal string for asset into its
// on-chain integer unit representation, per asset's fixed decimal scale.
func toBaseUnits(amount string, asset policy.Asset) (*big.Int, error) {
	meta, ok := policy.Meta(asset)
	if !ok {
		return nil, fmt.Errorf("unsupported asset %q", asset)
	}
	r, ok := new(big.Rat).SetString(amount)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount %q", amount)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(meta.Decimals)), nil)
	r.Mul(r, new(big.Rat).SetInt(scale))
	if !r.IsInt() {
		return nil, fmt.Errorf("amount %q has more precision than %s's %d decimals", amount, asset, meta.Decimals)
	}
	return r.Num(), nil
}

// fromBaseUnits renders amount, expressed in asset's on-chain integer
// units, as a human-readable decimal string.
func fromBaseUnits(amount *big.Int, asset policy.Asset) string {
	meta, ok := policy.Meta(asset)
	if !ok {
		return amount.String()
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(meta.Decimals)), nil)
	r := new(big.Rat).SetFrac(amount, scale)
	return r.FloatString(meta.Decimals)
}
