// Package config loads the GP_-namespaced operator knobs into a single
// Config struct via viper.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kubermatic/kernel-provisioner/pkg/policy"
	"github.com/kubermatic/kernel-provisioner/pkg/wire"
)

// Config is the full set of GP_ environment-derived operator settings.
type Config struct {
	ResponseIP           string
	ResponsePort         int
	ResponsePortRetries  int
	ProhibitedLocalIPs   []string
	KernelLaunchTimeout  time.Duration
	MinPortRangeSize     int
	MaxPortRangeRetries  int
	EnableTunneling      bool
	ImpersonationEnabled bool

	LoadBalancingAlgorithm string
	RemoteHosts            []string
	SSHPort                int
	RemoteUser             string
	RemotePwd              string
	RemoteGSSSSH           bool
	SSHKnownHostsFile      string

	Namespace         string
	SharedNamespace   bool
	KernelClusterRole string
	ProhibitedUIDs    []string
	ProhibitedGIDs    []string
	MirrorWorkingDirs bool

	YarnEndpoint                string
	AltYarnEndpoint             string
	YarnEndpointSecurityEnabled bool

	DockerNetwork string

	AuthorizedUsers   []string
	UnauthorizedUsers []string
}

// Load reads the GP_ namespace from the environment, applying the standard
// operator defaults: 30s launch timeout, 1000-port minimum range, 5
// port-allocation retries, round-robin load balancing, tunneling and
// impersonation off.
func Load() *Config {
	v := viper.New()
	v.SetEnvPrefix("GP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("response_ip", "")
	v.SetDefault("response_port", 8877)
	v.SetDefault("response_port_retries", 5)
	v.SetDefault("prohibited_local_ips", "")
	v.SetDefault("kernel_launch_timeout", "30s")
	v.SetDefault("min_port_range_size", 1000)
	v.SetDefault("max_port_range_retries", 5)
	v.SetDefault("enable_tunneling", false)
	v.SetDefault("impersonation_enabled", false)
	v.SetDefault("load_balancing_algorithm", "round-robin")
	v.SetDefault("remote_hosts", "")
	v.SetDefault("ssh_port", 22)
	v.SetDefault("remote_user", "")
	v.SetDefault("remote_pwd", "")
	v.SetDefault("remote_gss_ssh", false)
	v.SetDefault("ssh_known_hosts_file", "")
	v.SetDefault("namespace", "")
	v.SetDefault("shared_namespace", true)
	v.SetDefault("kernel_cluster_role", "kernel-controller")
	v.SetDefault("prohibited_uids", "")
	v.SetDefault("prohibited_gids", "")
	v.SetDefault("mirror_working_dirs", false)
	v.SetDefault("yarn_endpoint", "")
	v.SetDefault("alt_yarn_endpoint", "")
	v.SetDefault("yarn_endpoint_security_enabled", false)
	v.SetDefault("docker_network", "bridge")

	timeout, err := time.ParseDuration(v.GetString("kernel_launch_timeout"))
	if err != nil {
		timeout = 30 * time.Second
	}

	return &Config{
		ResponseIP:           v.GetString("response_ip"),
		ResponsePort:         v.GetInt("response_port"),
		ResponsePortRetries:  v.GetInt("response_port_retries"),
		ProhibitedLocalIPs:   splitCSV(v.GetString("prohibited_local_ips")),
		KernelLaunchTimeout:  timeout,
		MinPortRangeSize:     v.GetInt("min_port_range_size"),
		MaxPortRangeRetries:  v.GetInt("max_port_range_retries"),
		EnableTunneling:      v.GetBool("enable_tunneling"),
		ImpersonationEnabled: v.GetBool("impersonation_enabled"),

		LoadBalancingAlgorithm: v.GetString("load_balancing_algorithm"),
		RemoteHosts:            splitCSV(v.GetString("remote_hosts")),
		SSHPort:                v.GetInt("ssh_port"),
		RemoteUser:             v.GetString("remote_user"),
		RemotePwd:              v.GetString("remote_pwd"),
		RemoteGSSSSH:           v.GetBool("remote_gss_ssh"),
		SSHKnownHostsFile:      v.GetString("ssh_known_hosts_file"),

		Namespace:         v.GetString("namespace"),
		SharedNamespace:   v.GetBool("shared_namespace"),
		KernelClusterRole: v.GetString("kernel_cluster_role"),
		ProhibitedUIDs:    splitCSV(v.GetString("prohibited_uids")),
		ProhibitedGIDs:    splitCSV(v.GetString("prohibited_gids")),
		MirrorWorkingDirs: v.GetBool("mirror_working_dirs"),

		YarnEndpoint:                v.GetString("yarn_endpoint"),
		AltYarnEndpoint:             v.GetString("alt_yarn_endpoint"),
		YarnEndpointSecurityEnabled: v.GetBool("yarn_endpoint_security_enabled"),

		DockerNetwork: v.GetString("docker_network"),

		AuthorizedUsers:   splitCSV(v.GetString("authorized_users")),
		UnauthorizedUsers: splitCSV(v.GetString("unauthorized_users")),
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GlobalPolicy projects the subset of Config relevant to policy.Policy.
func (c *Config) GlobalPolicy() policy.Policy {
	portRange, _ := wire.ParsePortRange("")
	return policy.Policy{
		AuthorizedUsers:      toSet(c.AuthorizedUsers),
		UnauthorizedUsers:    toSet(c.UnauthorizedUsers),
		PortRange:            portRange,
		LaunchTimeout:        c.KernelLaunchTimeout,
		ImpersonationEnabled: c.ImpersonationEnabled,
		TunnelingEnabled:     c.EnableTunneling,
		ProhibitedUIDs:       toSet(c.ProhibitedUIDs),
		ProhibitedGIDs:       toSet(c.ProhibitedGIDs),
	}
}

func toSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}
