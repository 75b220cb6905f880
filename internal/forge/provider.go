// Package forge provides a pluggable code-forge interface for watching
// upstream project releases. Each forge provider (GitHub today, Gitea
// reserved for later) implements [ForgeProvider] and is registered by
// account name with the [Registry]. internal/pkgtasks polls through
// this interface to raise release-published events into the task DAG.
package forge

import "context"

// ForgeProvider is the interface forge backends implement. Repository
// parameters use the "owner/repo" format; ResolveRepo on the Registry
// performs the owner-prefixing for bare repo names.
type ForgeProvider interface {
	// Name returns the provider identifier (e.g., "github", "gitea").
	Name() string

	// ListReleases returns the most recent releases for a repository,
	// newest first, capped at limit (0 means the provider's default).
	ListReleases(ctx context.Context, repo string, limit int) ([]Release, error)
}
