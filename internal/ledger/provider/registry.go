// Package provider wires chain definitions into concrete ledger
// submitters and keys them by human readable chain names.
package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"AgentProof-Chain/internal/config"
	"AgentProof-Chain/internal/ledger"
	"AgentProof-Chain/internal/ledger/ethereum"
)

// Registry manages a set of ledger submitters keyed by chain name.
type Registry struct {
	defaultChain string
	submitters   map[string]ledger.Submitter
}

// NewRegistry loads chain definitions and instantiates concrete submitters.
func NewRegistry(ctx context.Context, cfg config.LedgerConfig) (*Registry, error) {
	defs, err := ledger.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	submitters := make(map[string]ledger.Submitter)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			key, err := resolveKey(chain.PrivateKeyEnv)
			if err != nil {
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			submitter, err := ethereum.NewSubmitter(ctx, ethereum.Config{
				Name:            name,
				RPCURL:          chain.RPCURL,
				ContractAddress: chain.ContractAddress,
				PrivateKey:      key,
				GasLimit:        chain.GasLimit,
				Notes:           chain.Description,
			})
			if err != nil {
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			submitters[name] = submitter
		case "memory":
			submitters[name] = ledger.NewMemorySubmitter()
		default:
			return nil, fmt.Errorf("链 %s 的类型 %s 不受支持", name, chain.Type)
		}
	}

	if len(submitters) == 0 {
		return nil, errors.New("未配置任何账本链")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(submitters))
		for name := range submitters {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := submitters[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 不在链配置里", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, submitters: submitters}, nil
}

// resolveKey reads the signing key from the configured environment variable.
func resolveKey(envName string) (string, error) {
	envName = strings.TrimSpace(envName)
	if envName == "" {
		return "", errors.New("未配置签名私钥环境变量")
	}
	key := strings.TrimSpace(os.Getenv(envName))
	if key == "" {
		return "", fmt.Errorf("环境变量 %s 未提供签名私钥", envName)
	}
	return key, nil
}

// DefaultSubmitter returns the submitter configured as default chain.
func (r *Registry) DefaultSubmitter() (ledger.Submitter, error) {
	if r == nil {
		return nil, errors.New("未初始化的账本注册表")
	}
	submitter, ok := r.submitters[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 没有对应的提供方", r.defaultChain)
	}
	return submitter, nil
}

// Submitter returns the submitter identified by name.
func (r *Registry) Submitter(name string) (ledger.Submitter, bool) {
	if r == nil {
		return nil, false
	}
	submitter, ok := r.submitters[name]
	return submitter, ok
}

// Close releases all submitters managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, submitter := range r.submitters {
		if submitter != nil {
			submitter.Close()
		}
		delete(r.submitters, name)
	}
}

// Chains lists every chain name that has a registered provider.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.submitters))
	for name := range r.submitters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
