package policy

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"

	"github.com/org/secretsync/pkg/models"
)

// ErrPermissionDenied is returned by Authorize when no policy grants access.
var ErrPermissionDenied = errors.New("permission denied")

// PolicyGetter is the minimal interface the Engine needs from storage.
type PolicyGetter interface {
	GetPolicy(ctx context.Context, name string) (*models.Policy, error)
}

// Engine evaluates access policies for a given token and operation.
type Engine struct {
	store PolicyGetter
}

// NewEngine creates a new policy Engine backed by the given storage.
func NewEngine(store PolicyGetter) *Engine {
	return &Engine{store: store}
}

// SecretsPath is the policy path guarding one workspace environment's secrets.
func SecretsPath(workspaceID, environment string) string {
	return "workspace/" + workspaceID + "/env/" + environment + "/secrets"
}

// VersionsPath guards the version history of a workspace.
func VersionsPath(workspaceID string) string {
	return "workspace/" + workspaceID + "/versions"
}

// SnapshotsPath guards the snapshots of a workspace.
func SnapshotsPath(workspaceID string) string {
	return "workspace/" + workspaceID + "/snapshots"
}

// Authorize returns ErrPermissionDenied unless the token may use capability on reqPath.
func (e *Engine) Authorize(ctx context.Context, token *models.Token, capability, reqPath string) error {
	if token == nil || !e.IsAllowed(ctx, token.Policies, capability, reqPath) {
		return ErrPermissionDenied
	}
	return nil
}

// IsAllowed returns true if any of the token's policies grant the capability on the path.
func (e *Engine) IsAllowed(ctx context.Context, policies []string, capability, reqPath string) bool {
	for _, policyName := range policies {
		pol, err := e.store.GetPolicy(ctx, policyName)
		if err != nil || pol == nil {
			continue
		}
		if policyAllows(pol, capability, reqPath) {
			return true
		}
	}
	return false
}

// policyAllows returns true if the given policy grants the capability on reqPath.
func policyAllows(pol *models.Policy, capability, reqPath string) bool {
	for pattern, rule := range pol.Rules {
		if matchPath(pattern, reqPath) && rule.HasCapability(capability) {
			return true
		}
	}
	return false
}

// matchPath matches reqPath against a glob pattern:
//   - "workspace/*/versions" - "*" matches exactly one path segment
//   - "workspace/acme/**"    - "**" matches any number of segments (including zero)
//   - "*"                    - matches any path entirely (used by root policy)
func matchPath(pattern, reqPath string) bool {
	pattern = strings.TrimPrefix(pattern, "/")
	reqPath = strings.TrimPrefix(reqPath, "/")

	if pattern == "*" {
		return true
	}

	if strings.Contains(pattern, "**") {
		parts := strings.SplitN(pattern, "**", 2)
		prefix, suffix := parts[0], strings.TrimPrefix(parts[1], "/")
		if !strings.HasPrefix(reqPath, prefix) {
			return false
		}
		if suffix == "" {
			return true
		}
		return strings.HasSuffix(reqPath[len(prefix):], suffix)
	}

	matched, err := path.Match(pattern, reqPath)
	return err == nil && matched
}

// GetEffectiveCapabilities returns all capabilities granted on a path across all policies.
func (e *Engine) GetEffectiveCapabilities(ctx context.Context, policies []string, reqPath string) []string {
	capSet := map[string]bool{}
	for _, policyName := range policies {
		pol, err := e.store.GetPolicy(ctx, policyName)
		if err != nil || pol == nil {
			continue
		}
		for pattern, rule := range pol.Rules {
			if matchPath(pattern, reqPath) {
				for _, c := range rule.Capabilities {
					capSet[c] = true
				}
			}
		}
	}
	caps := make([]string, 0, len(capSet))
	for c := range capSet {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}
