package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Chain describes a network the bot can build transaction trays for.
type Chain struct {
	ID           int64    `yaml:"id"`
	Name         string   `yaml:"name"`
	NativeSymbol string   `yaml:"nativeSymbol"`
	RPCURLs      []string `yaml:"rpcUrls"`
}

// ChainRegistry maps chain id to chain metadata.
type ChainRegistry struct {
	chains map[int64]Chain
}

// DefaultChains returns the built-in registry (Base mainnet and Base Sepolia).
func DefaultChains() *ChainRegistry {
	r := &ChainRegistry{chains: make(map[int64]Chain)}
	r.add(Chain{
		ID:           8453,
		Name:         "Base",
		NativeSymbol: "ETH",
		RPCURLs:      []string{"https://mainnet.base.org"},
	})
	r.add(Chain{
		ID:           84532,
		Name:         "Base Sepolia",
		NativeSymbol: "ETH",
		RPCURLs:      []string{"https://sepolia.base.org"},
	})
	return r
}

// LoadChains reads a YAML chain registry file.
func LoadChains(path string) (*ChainRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file struct {
		Chains []Chain `yaml:"chains"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse chains yaml: %w", err)
	}
	if len(file.Chains) == 0 {
		return nil, fmt.Errorf("chains file %s defines no chains", path)
	}
	r := &ChainRegistry{chains: make(map[int64]Chain)}
	for _, c := range file.Chains {
		if c.ID == 0 || c.Name == "" {
			return nil, fmt.Errorf("chain entry missing id or name")
		}
		r.add(c)
	}
	return r, nil
}

func (r *ChainRegistry) add(c Chain) {
	r.chains[c.ID] = c
}

// Get returns the chain for the given id.
func (r *ChainRegistry) Get(id int64) (Chain, bool) {
	c, ok := r.chains[id]
	return c, ok
}

// Known reports whether the chain id is registered.
func (r *ChainRegistry) Known(id int64) bool {
	_, ok := r.chains[id]
	return ok
}

// IDs returns all registered chain ids.
func (r *ChainRegistry) IDs() []int64 {
	ids := make([]int64, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	return ids
}
