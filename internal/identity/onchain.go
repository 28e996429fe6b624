package identity

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "sentinel-kernel/internal/errors"
)

// registryABI mirrors the ENS registry's resolver lookup: given a node
// (the namehash of a dotted name), return the address of the resolver
// contract responsible for it.
const registryABI = `[
	{"type":"function","name":"resolver","stateMutability":"view",
	 "inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]}
]`

// resolverABI mirrors the public resolver's address and text-record
// lookups, the two entry points this package needs.
const resolverABI = `[
	{"type":"function","name":"addr","stateMutability":"view",
	 "inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"text","stateMutability":"view",
	 "inputs":[{"name":"node","type":"bytes32"},{"name":"key","type":"string"}],"outputs":[{"name":"","type":"string"}]}
]`

// chainBackend is the subset of internal/chain.Client this package
// depends on.
type chainBackend interface {
	ContractBackend() bind.ContractBackend
}

// Namehash computes the ENS namehash of a dotted name, recursively
// keccak256-ing each label from the root down, per the ENS specification.
func Namehash(name string) [32]byte {
	var node [32]byte
	if name == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := crypto.Keccak256Hash([]byte(labels[i]))
		node = crypto.Keccak256Hash(node[:], labelHash[:])
	}
	return node
}

// OnChainResolver resolves names against a deployed ENS-compatible
// registry and the per-name resolver contracts it points to. Every method
// issues a read-only call: identity resolution never sends a transaction.
type OnChainResolver struct {
	registry     *bind.BoundContract
	registryABI  abi.ABI
	resolverABI  abi.ABI
	backend      bind.ContractBackend
}

// NewOnChainResolver binds to a deployed ENS registry at registryAddress.
func NewOnChainResolver(client chainBackend, registryAddress common.Address) (*OnChainResolver, error) {
	regParsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, xerrors.Wrap(CodeResolutionFailure, err, "parse registry abi")
	}
	resParsed, err := abi.JSON(strings.NewReader(resolverABI))
	if err != nil {
		return nil, xerrors.Wrap(CodeResolutionFailure, err, "parse resolver abi")
	}
	backend := client.ContractBackend()
	registry := bind.NewBoundContract(registryAddress, regParsed, backend, backend, backend)
	return &OnChainResolver{registry: registry, registryABI: regParsed, resolverABI: resParsed, backend: backend}, nil
}

func (r *OnChainResolver) resolverFor(ctx context.Context, node [32]byte) (*bind.BoundContract, error) {
	var out []interface{}
	if err := r.registry.Call(&bind.CallOpts{Context: ctx}, &out, "resolver", node); err != nil {
		return nil, xerrors.Wrap(CodeResolutionFailure, err, "call registry.resolver")
	}
	addr, _ := out[0].(common.Address)
	if addr == (common.Address{}) {
		return nil, xerrors.New(CodeNotRegistered, "no resolver set for name")
	}
	return bind.NewBoundContract(addr, r.resolverABI, r.backend, r.backend, r.backend), nil
}

// ResolveAddress resolves name to the address its resolver's addr()
// returns.
func (r *OnChainResolver) ResolveAddress(ctx context.Context, name string) (common.Address, error) {
	node := Namehash(name)
	resolver, err := r.resolverFor(ctx, node)
	if err != nil {
		return common.Address{}, err
	}
	var out []interface{}
	if err := resolver.Call(&bind.CallOpts{Context: ctx}, &out, "addr", node); err != nil {
		return common.Address{}, xerrors.Wrap(CodeResolutionFailure, err, "call resolver.addr")
	}
	addr, _ := out[0].(common.Address)
	return addr, nil
}

// Text returns the value of the text record under key for name.
func (r *OnChainResolver) Text(ctx context.Context, name, key string) (string, error) {
	node := Namehash(name)
	resolver, err := r.resolverFor(ctx, node)
	if err != nil {
		return "", err
	}
	var out []interface{}
	if err := resolver.Call(&bind.CallOpts{Context: ctx}, &out, "text", node, key); err != nil {
		return "", xerrors.Wrap(CodeResolutionFailure, err, "call resolver.text")
	}
	value, _ := out[0].(string)
	return value, nil
}
