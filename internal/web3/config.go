package web3

import (
	"os"
	"strings"

	xerrors "OpenFarm-Chain/internal/errors"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
// SwapRouter and BridgeRouter are the contract addresses the action layer
// submits transactions to; a chain without a router skips that action.
type ChainDefinition struct {
	Type         string `yaml:"type"`
	ChainID      int64  `yaml:"chain_id"`
	RPCURL       string `yaml:"rpc_url"`
	NativeSymbol string `yaml:"native_symbol"`
	SwapRouter   string `yaml:"swap_router"`
	BridgeRouter string `yaml:"bridge_router"`
	Description  string `yaml:"description"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "读取链配置失败")
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "解析链配置失败")
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}
