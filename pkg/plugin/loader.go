package plugin

import (
	"errors"
	"fmt"
	goplugin "plugin"
)

// SymbolName is the exported identifier the loader resolves inside a shared
// object. Plugin authors declare `var Plugin plugin.Plugin = ...`.
const SymbolName = "Plugin"

// Loader turns a file path into a live Plugin value.
type Loader interface {
	Load(path string) (Plugin, error)
}

// GoPluginLoader loads shared objects built with -buildmode=plugin through
// the standard library plugin package.
type GoPluginLoader struct{}

// Load opens the shared object and resolves its SymbolName export. The
// symbol may be a Plugin value, a pointer to one, or a factory function.
func (GoPluginLoader) Load(path string) (Plugin, error) {
	if path == "" {
		return nil, errors.New("empty plugin path")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup(SymbolName)
	if err != nil {
		return nil, err
	}
	return resolveSymbol(symbol)
}

func resolveSymbol(symbol any) (Plugin, error) {
	switch p := symbol.(type) {
	case Plugin:
		return p, nil
	case *Plugin:
		if p == nil || *p == nil {
			return nil, errors.New("plugin symbol resolved to nil")
		}
		return *p, nil
	case func() Plugin:
		return p(), nil
	default:
		return nil, fmt.Errorf("symbol %s does not implement plugin.Plugin", SymbolName)
	}
}
