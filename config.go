package wazcore

import (
	"go.uber.org/zap"

	"github.com/wazerocore/wazcore/internal/wasm"
)

// RuntimeConfig controls runtime behavior. The zero value is not usable;
// start from NewRuntimeConfig and derive with the With... methods, each of
// which returns a copy so a config can be shared safely between runtimes.
type RuntimeConfig struct {
	memoryLimitPages uint32
	logger           *zap.Logger
}

// NewRuntimeConfig returns a config with the defaults: memory capped only
// by the Wasm 4GiB ceiling, and no diagnostic logging.
func NewRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		memoryLimitPages: wasm.MemoryMaxPages,
		logger:           zap.NewNop(),
	}
}

func (c *RuntimeConfig) clone() *RuntimeConfig {
	ret := *c
	return &ret
}

// WithMemoryLimitPages overrides the maximum pages (65536 bytes per page)
// any memory may declare or grow to, defaulting to 65536 (4GiB). A module
// whose declared minimum exceeds the limit fails to compile; a declared
// maximum above the limit is clamped down to it.
//
// This is a resource ceiling, not a trap condition: memory.grow beyond the
// limit returns -1 exactly as growth beyond a declared maximum does.
func (c *RuntimeConfig) WithMemoryLimitPages(pages uint32) *RuntimeConfig {
	ret := c.clone()
	if pages > wasm.MemoryMaxPages {
		pages = wasm.MemoryMaxPages
	}
	ret.memoryLimitPages = pages
	return ret
}

// WithDebugLogger attaches a logger used for developer-facing diagnostics
// of compile, link, and instantiate steps. It is never consulted on the
// opcode hot path. nil restores the default no-op logger.
func (c *RuntimeConfig) WithDebugLogger(l *zap.Logger) *RuntimeConfig {
	ret := c.clone()
	if l == nil {
		l = zap.NewNop()
	}
	ret.logger = l
	return ret
}

// ModuleConfig configures one InstantiateModule call.
type ModuleConfig struct {
	name    string
	nameSet bool
}

// NewModuleConfig returns a config that names the instance after the
// module's own name section (or leaves it anonymous).
func NewModuleConfig() *ModuleConfig {
	return &ModuleConfig{}
}

func (c *ModuleConfig) clone() *ModuleConfig {
	ret := *c
	return &ret
}

// WithName overrides the instance name other modules import this one by.
// Each name can only be registered once per runtime until the prior
// instance is closed.
func (c *ModuleConfig) WithName(name string) *ModuleConfig {
	ret := c.clone()
	ret.name = name
	ret.nameSet = true
	return ret
}
