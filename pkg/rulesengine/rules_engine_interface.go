// Package rulesengine defines the boundary to the group placement policy:
// the component that owns rule configuration and decides which cgroup a
// process belongs in after a credential change.
package rulesengine

import (
	"fmt"
	"io"
)

// FlagUseCache asks the engine to serve the placement decision from its
// rule-result cache when possible.
const FlagUseCache uint64 = 0x1

// RulesEngine is the policy collaborator consumed by the dispatcher. All
// failures are opaque to callers: they are logged, never interpreted.
type RulesEngine interface {
	// Init prepares the engine. Called once before the event loop starts.
	Init() error
	// InitRuleCache loads the rule configuration into the cache.
	InitRuleCache() error
	// Reassign moves pid into the cgroup matching its effective uid/gid.
	Reassign(uid, gid uint32, pid int, flags uint64) error
	// ReloadRuleCache discards the cached rule configuration and reloads it.
	ReloadRuleCache() error
	// PrintRuleConfig writes the active rule configuration to w.
	PrintRuleConfig(w io.Writer)
}

// EngineError carries the engine's numeric failure code. Callers log the
// code and drop the event; codes are never mapped to behavior.
type EngineError struct {
	Code int
	Op   string
	Err  error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: code %d: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: code %d", e.Op, e.Code)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}
