// Package policy implements the shared configurable traits every
// provisioner honors: the merge rule that produces a resolved policy from
// global operator settings and a kernel spec's config stanza, and the
// authorization check applied on every launch.
package policy

import (
	"fmt"
	"time"

	"github.com/kubermatic/kernel-provisioner/pkg/wire"

	provisionererrors "github.com/kubermatic/kernel-provisioner/pkg/errors"
)

// Policy is the resolved configuration for one launch: the product of
// global policy merged with a kernel spec's config stanza.
type Policy struct {
	AuthorizedUsers      map[string]bool
	UnauthorizedUsers    map[string]bool
	PortRange            wire.PortRange
	LaunchTimeout        time.Duration
	ImpersonationEnabled bool
	TunnelingEnabled     bool
	ProhibitedUIDs       map[string]bool
	ProhibitedGIDs       map[string]bool
}

// Global holds the operator-wide defaults, populated from the GP_
// environment namespace by config.Load.
type Global = Policy

// Merge produces a Policy for one launch: scalar fields in override
// replace the global value; UnauthorizedUsers is amended (set union);
// every other set/list in override replaces the global one outright. This
// is the single place the merge rule lives, rather than scattering it
// across each backend adapter.
func Merge(global Global, override Policy, overrideFields OverrideFields) Policy {
	merged := global

	if overrideFields.AuthorizedUsers {
		merged.AuthorizedUsers = override.AuthorizedUsers
	}
	if overrideFields.UnauthorizedUsers {
		merged.UnauthorizedUsers = unionUsers(global.UnauthorizedUsers, override.UnauthorizedUsers)
	}
	if overrideFields.PortRange {
		merged.PortRange = override.PortRange
	}
	if overrideFields.LaunchTimeout {
		merged.LaunchTimeout = override.LaunchTimeout
	}
	if overrideFields.ImpersonationEnabled {
		merged.ImpersonationEnabled = override.ImpersonationEnabled
	}
	if overrideFields.TunnelingEnabled {
		merged.TunnelingEnabled = override.TunnelingEnabled
	}

	return merged
}

// OverrideFields marks which fields a kernel spec's config stanza actually
// set, so Merge can distinguish "not specified" from a deliberate
// zero/empty value.
type OverrideFields struct {
	AuthorizedUsers      bool
	UnauthorizedUsers    bool
	PortRange            bool
	LaunchTimeout        bool
	ImpersonationEnabled bool
	TunnelingEnabled     bool
}

func unionUsers(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for u := range a {
		out[u] = true
	}
	for u := range b {
		out[u] = true
	}
	return out
}

// Authorize checks, in order: unauthorized_users always wins regardless of
// scope, then a non-empty authorized_users acts as an allow-list.
func Authorize(p Policy, username, displayName string) error {
	if p.UnauthorizedUsers[username] {
		return provisionererrors.New(provisionererrors.KindForbiddenUnauthorizedList,
			fmt.Sprintf("User '%s' is not authorized to start kernel '%s'.", username, displayName))
	}

	if len(p.AuthorizedUsers) > 0 && !p.AuthorizedUsers[username] {
		return provisionererrors.New(provisionererrors.KindForbiddenAuthorizedList,
			fmt.Sprintf("User '%s' is not in the set of users authorized to start kernel '%s'.", username, displayName))
	}

	return nil
}

// CheckUIDGID rejects a requested uid/gid pair against the operator's
// prohibited sets. Either value may be empty, meaning the backend left that
// dimension to its own default and there is nothing to check.
func CheckUIDGID(p Policy, uid, gid string) error {
	if uid != "" && p.ProhibitedUIDs[uid] {
		return provisionererrors.New(provisionererrors.KindProhibitedUID,
			fmt.Sprintf("uid '%s' is in the set of prohibited uids.", uid))
	}
	if gid != "" && p.ProhibitedGIDs[gid] {
		return provisionererrors.New(provisionererrors.KindProhibitedGID,
			fmt.Sprintf("gid '%s' is in the set of prohibited gids.", gid))
	}
	return nil
}
