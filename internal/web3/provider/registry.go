package provider

import (
	"context"
	"sort"
	"strings"

	"OpenFarm-Chain/internal/config"
	xerrors "OpenFarm-Chain/internal/errors"
	"OpenFarm-Chain/internal/web3"
	"OpenFarm-Chain/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by human readable names.
// 默认链承载水龙头与兑换动作，跨链动作把资产发往 bridge 链。
type Registry struct {
	defaultChain string
	bridgeChain  string
	definitions  map[string]web3.ChainDefinition
	clients      map[string]web3.Client
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]web3.Client)
	definitions := make(map[string]web3.ChainDefinition)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:    name,
				RPCURL:  chain.RPCURL,
				ChainID: chain.ChainID,
				Notes:   chain.Description,
			})
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化链 "+name+" 失败")
			}
			clients[name] = client
			definitions[name] = chain
		default:
			return nil, xerrors.New(xerrors.CodeConfigInvalid, "链 "+name+" 使用了不支持的类型 "+chain.Type)
		}
	}

	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		definitions["default"] = web3.ChainDefinition{RPCURL: cfg.RPCURL}
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	if len(clients) == 0 {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "未配置任何链的 RPC 端点")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "默认链 "+defaultChain+" 未在配置中找到")
	}
	if cfg.BridgeChain != "" {
		if _, ok := clients[cfg.BridgeChain]; !ok {
			return nil, xerrors.New(xerrors.CodeConfigInvalid, "跨链目标 "+cfg.BridgeChain+" 未在配置中找到")
		}
	}

	return &Registry{
		defaultChain: defaultChain,
		bridgeChain:  cfg.BridgeChain,
		definitions:  definitions,
		clients:      clients,
	}, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "默认链 "+r.defaultChain+" 未在注册表中")
	}
	return client, nil
}

// BridgeClient returns the bridge target client, or false when bridging is
// not configured.
func (r *Registry) BridgeClient() (web3.Client, bool) {
	if r == nil || r.bridgeChain == "" {
		return nil, false
	}
	client, ok := r.clients[r.bridgeChain]
	return client, ok
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Definition returns the chain definition for the given name.
func (r *Registry) Definition(name string) (web3.ChainDefinition, bool) {
	if r == nil {
		return web3.ChainDefinition{}, false
	}
	def, ok := r.definitions[name]
	return def, ok
}

// DefaultChain returns the name of the default chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}
