// Package scope carries the fleet scope (tenant) of a request on
// context.Context.
//
// Scope is carried as a forge.Scope: the fleet scope id is the scope's org
// id under the fleetjobs app. Entities store the plain scope id; these
// helpers bridge between that field and the context.
package scope

import (
	"context"

	"github.com/xraph/forge"
)

// AppID is the forge app every fleet scope belongs to.
const AppID = "fleetjobs"

// Capture returns the fleet scope id carried by ctx, or "" when there is
// none.
func Capture(ctx context.Context) string {
	s, ok := forge.ScopeFrom(ctx)
	if !ok {
		return ""
	}
	return s.OrgID()
}

// Restore attaches the fleet scope to the context. An empty scope id
// returns ctx unchanged.
func Restore(ctx context.Context, scopeID string) context.Context {
	if scopeID == "" {
		return ctx
	}
	return forge.WithScope(ctx, forge.NewOrgScope(AppID, scopeID))
}

// Or returns scopeID, or the scope carried by ctx when scopeID is empty.
func Or(ctx context.Context, scopeID string) string {
	if scopeID != "" {
		return scopeID
	}
	return Capture(ctx)
}
