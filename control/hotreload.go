// control/hotreload.go
// Author: momentics <momentics@gmail.com>
//
// Hooks for components (log level, metrics sampling) that can adjust
// themselves on SIGHUP without a full process restart. cmd/lapcd wires
// TriggerHotReload to a SIGHUP handler.

package control

import "sync"

var (
	reloadMu    sync.Mutex
	reloadHooks []func()
)

// RegisterReloadHook adds a component reload listener, invoked whenever
// TriggerHotReload runs.
func RegisterReloadHook(fn func()) {
	reloadMu.Lock()
	defer reloadMu.Unlock()
	reloadHooks = append(reloadHooks, fn)
}

// TriggerHotReload dispatches all registered reload hooks concurrently.
func TriggerHotReload() {
	reloadMu.Lock()
	hooks := append([]func(){}, reloadHooks...)
	reloadMu.Unlock()
	for _, fn := range hooks {
		go fn()
	}
}
