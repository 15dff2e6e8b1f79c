package wasm

import (
	"context"

	"github.com/rnxpyke/wasm/api"
	internalwasm "github.com/rnxpyke/wasm/internal/wasm"
	"github.com/rnxpyke/wasm/internal/wasm/interpreter"
)

// RuntimeConfig configures a Runtime, following the teacher's
// clone-then-With functional-options pattern (config.go): every With*
// method returns a new, independently-mutable *RuntimeConfig, so a base
// config can be shared as a starting point for several derived ones.
type RuntimeConfig struct {
	ctx context.Context

	maxCallDepth   int
	memoryMaxPages uint32
	memorySizer    api.MemorySizer

	enableBulkMemory bool
}

// defaultConfig is the zero-value starting point for NewRuntimeConfig; its
// fields are never mutated in place, only cloned.
var defaultConfig = &RuntimeConfig{
	ctx:              context.Background(),
	maxCallDepth:     interpreter.DefaultMaxCallDepth,
	memoryMaxPages:   internalwasm.MemoryMaxPages,
	enableBulkMemory: true,
}

// NewRuntimeConfig returns a RuntimeConfig with this implementation's
// defaults: the interpreter engine's default call-stack depth, the core
// spec's maximum memory size, and bulk-memory (memory.copy/memory.fill)
// enabled. There is only one engine here (no JIT/compiler split like the
// teacher's NewRuntimeConfigJIT/NewRuntimeConfigInterpreter), so this is the
// sole constructor.
func NewRuntimeConfig() *RuntimeConfig {
	return defaultConfig.clone()
}

func (c *RuntimeConfig) clone() *RuntimeConfig {
	ret := *c
	return &ret
}

// WithContext sets the context that Runtime.Context returns. It is not
// passed to host function calls.
func (c *RuntimeConfig) WithContext(ctx context.Context) *RuntimeConfig {
	ret := c.clone()
	ret.ctx = ctx
	return ret
}

// WithMaxCallDepth overrides the call-stack depth ceiling enforced by the
// Executor (spec.md §4.4's "Failure semantics", trap TrapCallStackExhausted
// / assert_exhaustion).
func (c *RuntimeConfig) WithMaxCallDepth(depth int) *RuntimeConfig {
	ret := c.clone()
	ret.maxCallDepth = depth
	return ret
}

// WithMemoryMaxPages lowers the hard ceiling applied to every memory
// instance, independent of any max a module or import declares (SPEC_FULL.md
// §4.3 supplement: an embedder-side resource limit).
func (c *RuntimeConfig) WithMemoryMaxPages(pages uint32) *RuntimeConfig {
	ret := c.clone()
	ret.memoryMaxPages = pages
	return ret
}

// WithMemorySizer installs a MemorySizer whose min and max replace a
// module's declared memory limits before instantiation; its capacity result
// is not used. Mirrors the teacher's WithMemoryCapacityFromMax idea but
// surfaced as a single pluggable func.
func (c *RuntimeConfig) WithMemorySizer(sizer api.MemorySizer) *RuntimeConfig {
	ret := c.clone()
	ret.memorySizer = sizer
	return ret
}

// WithBulkMemory toggles memory.copy/memory.fill support (SPEC_FULL.md's
// bulk-memory supplement; see DESIGN.md's memory.init/data.drop Open
// Question decision for what remains out of scope regardless of this flag).
func (c *RuntimeConfig) WithBulkMemory(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.enableBulkMemory = enabled
	return ret
}
