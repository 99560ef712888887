// Package executor dispatches tool invocations by identity digest, always
// against the registry's live state rather than the persisted catalog.
package executor

import (
	"context"

	brokererr "github.com/ztxtxwd/dext/pkg/errors"
	"github.com/ztxtxwd/dext/pkg/registry"
)

// Executor resolves a tool_md5 against the Registry's current live catalog
// and invokes it.
type Executor struct {
	registry *registry.Registry
}

// New builds an Executor over reg.
func New(reg *registry.Registry) *Executor {
	return &Executor{registry: reg}
}

// Execute recomputes the identity digest for every live tool across every
// connected server and invokes the first one matching toolMD5. It never
// consults Persistence: the live set is authoritative, even if it lags
// behind or runs ahead of the indexed catalog.
func (e *Executor) Execute(ctx context.Context, toolMD5 string, params map[string]any) (any, error) {
	entry, ok := e.registry.FindLiveToolByMD5(ctx, toolMD5)
	if !ok {
		return nil, brokererr.NewNotFound("no live tool matches the given identity", nil)
	}
	return e.registry.Invoke(ctx, entry.ServerName, entry.Tool.Name, params)
}
