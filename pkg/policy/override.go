package policy

import (
	"fmt"
	"time"

	"github.com/kubermatic/kernel-provisioner/pkg/wire"
)

// FromKernelConfig extracts the per-kernel override surface from a kernel
// spec's metadata.kernel_provisioner.config stanza. Only keys present in
// cfg are reflected in the returned OverrideFields.
func FromKernelConfig(cfg map[string]any) (Policy, OverrideFields, error) {
	var p Policy
	var fields OverrideFields

	if users, ok := cfg["authorized_users"]; ok {
		set, err := toStringSet(users)
		if err != nil {
			return p, fields, fmt.Errorf("authorized_users: %w", err)
		}
		p.AuthorizedUsers = set
		fields.AuthorizedUsers = true
	}

	if users, ok := cfg["unauthorized_users"]; ok {
		set, err := toStringSet(users)
		if err != nil {
			return p, fields, fmt.Errorf("unauthorized_users: %w", err)
		}
		p.UnauthorizedUsers = set
		fields.UnauthorizedUsers = true
	}

	if raw, ok := cfg["port_range"]; ok {
		s, ok := raw.(string)
		if !ok {
			return p, fields, fmt.Errorf("port_range: expected string, got %T", raw)
		}
		r, err := wire.ParsePortRange(s)
		if err != nil {
			return p, fields, err
		}
		p.PortRange = r
		fields.PortRange = true
	}

	if raw, ok := cfg["launch_timeout"]; ok {
		seconds, err := toFloat(raw)
		if err != nil {
			return p, fields, fmt.Errorf("launch_timeout: %w", err)
		}
		p.LaunchTimeout = time.Duration(seconds * float64(time.Second))
		fields.LaunchTimeout = true
	}

	if raw, ok := cfg["impersonation_enabled"]; ok {
		b, ok := raw.(bool)
		if !ok {
			return p, fields, fmt.Errorf("impersonation_enabled: expected bool, got %T", raw)
		}
		p.ImpersonationEnabled = b
		fields.ImpersonationEnabled = true
	}

	if raw, ok := cfg["tunneling_enabled"]; ok {
		b, ok := raw.(bool)
		if !ok {
			return p, fields, fmt.Errorf("tunneling_enabled: expected bool, got %T", raw)
		}
		p.TunnelingEnabled = b
		fields.TunnelingEnabled = true
	}

	return p, fields, nil
}

func toStringSet(raw any) (map[string]bool, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", raw)
	}
	set := make(map[string]bool, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected string entries, got %T", item)
		}
		set[s] = true
	}
	return set, nil
}

func toFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", raw)
	}
}
