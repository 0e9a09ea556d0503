// Package wire holds the data shapes exchanged across process and network
// boundaries: the kernel-spec file the host reads, the argv placeholders
// substituted before spawn, the encrypted response payload, and the
// line-delimited JSON spoken over the communication port.
package wire

import (
	"fmt"
	"strings"
)

// KernelSpec is the JSON document describing how to launch a kernel. It is
// immutable once read; ResolveArgv never mutates Argv.
type KernelSpec struct {
	Language    string            `json:"language"`
	DisplayName string            `json:"display_name"`
	Argv        []string          `json:"argv"`
	Env         map[string]string `json:"env,omitempty"`
	Metadata    struct {
		KernelProvisioner ProvisionerStanza `json:"kernel_provisioner"`
	} `json:"metadata"`
}

// ProvisionerStanza is the per-kernel provisioner selection and config
// override surface embedded in a kernel spec.
type ProvisionerStanza struct {
	ProvisionerName string         `json:"provisioner_name"`
	Config          map[string]any `json:"config,omitempty"`
}

// Placeholders are substituted into argv entries verbatim; {kernel_id} etc.
const (
	PlaceholderKernelID        = "{kernel_id}"
	PlaceholderResponseAddress = "{response_address}"
	PlaceholderPublicKey       = "{public_key}"
	PlaceholderPortRange       = "{port_range}"
)

// ResolveArgv substitutes the four well-known placeholders into a copy of
// spec.Argv. Placeholders that do not appear in any argv entry are simply
// unused; entries with no placeholder pass through unchanged.
func ResolveArgv(argv []string, kernelID, responseAddress, publicKey, portRange string) []string {
	replacer := strings.NewReplacer(
		PlaceholderKernelID, kernelID,
		PlaceholderResponseAddress, responseAddress,
		PlaceholderPublicKey, publicKey,
		PlaceholderPortRange, portRange,
	)

	resolved := make([]string, len(argv))
	for i, a := range argv {
		resolved[i] = replacer.Replace(a)
	}
	return resolved
}

// PortRange is an inclusive [Low, High] range of TCP ports. The zero value
// (0,0) means "unconstrained": any ephemeral port may be used.
type PortRange struct {
	Low  int
	High int
}

// Unconstrained reports whether the range places no restriction on port
// selection.
func (r PortRange) Unconstrained() bool { return r.Low == 0 && r.High == 0 }

// Size returns the number of ports covered by the range, or 0 when
// unconstrained.
func (r PortRange) Size() int {
	if r.Unconstrained() {
		return 0
	}
	return r.High - r.Low + 1
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d..%d", r.Low, r.High)
}

// ParsePortRange parses the "low..high" form used in argv templates and
// config files. An empty string yields the unconstrained range.
func ParsePortRange(s string) (PortRange, error) {
	if s == "" {
		return PortRange{}, nil
	}
	parts := strings.SplitN(s, "..", 2)
	if len(parts) != 2 {
		return PortRange{}, fmt.Errorf("invalid port range %q: expected \"low..high\"", s)
	}
	var low, high int
	if _, err := fmt.Sscanf(parts[0], "%d", &low); err != nil {
		return PortRange{}, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &high); err != nil {
		return PortRange{}, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	return PortRange{Low: low, High: high}, nil
}
