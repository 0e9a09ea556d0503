// Package tunnel forwards ports over SSH: when tunneling is enabled
// globally, every ZMQ port plus the communication port is forwarded from
// the host to the kernel's assigned backend host. Host-key checking is
// strict by default, following the keypair-handling idiom of
// golang.org/x/crypto/ssh used elsewhere in this module, extended here to
// the client side for dialing and forwarding.
package tunnel

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	provisionererrors "github.com/kubermatic/kernel-provisioner/pkg/errors"
	"github.com/kubermatic/kernel-provisioner/pkg/wire"
)

// DialConfig describes how to reach the SSH server on the backend host
// that will be used to establish forwards.
type DialConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	PrivateKeyPEM  []byte
	KnownHostsFile string // empty refuses every host key
	DialTimeout    time.Duration
}

// Tunnel owns one SSH connection and the set of local->remote forwards
// opened over it for a single kernel binding.
type Tunnel struct {
	client    *ssh.Client
	mu        sync.Mutex
	listeners []net.Listener
}

// Dial opens the SSH connection used for all of a binding's forwards.
// Host-key verification uses knownhosts.New when KnownHostsFile is set;
// an unknown or mismatched host key fails with TUNNEL_HOST_UNKNOWN, never
// silently downgrading to InsecureIgnoreHostKey.
func Dial(cfg DialConfig) (*Tunnel, error) {
	hostKeyCallback, err := hostKeyCallback(cfg.KnownHostsFile)
	if err != nil {
		return nil, provisionererrors.Wrap(provisionererrors.KindTunnelHostUnknown, "failed to load known_hosts", err)
	}

	auth := []ssh.AuthMethod{}
	if len(cfg.PrivateKeyPEM) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse tunnel private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		if isHostKeyErr(err) {
			return nil, provisionererrors.Wrap(provisionererrors.KindTunnelHostUnknown, "host key verification failed for "+addr, err)
		}
		return nil, fmt.Errorf("failed to dial SSH server %s: %w", addr, err)
	}

	return &Tunnel{client: client}, nil
}

func hostKeyCallback(knownHostsFile string) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		// Strict by default: the caller must supply a known_hosts file to
		// tunnel at all.
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			return fmt.Errorf("no known_hosts file configured, refusing host key for %s", hostname)
		}, nil
	}
	return knownhosts.New(knownHostsFile)
}

func isHostKeyErr(err error) bool {
	_, ok := err.(*knownhosts.KeyError)
	return ok
}

// ForwardPorts opens a local listener for each port and relays connections
// to the same port on remoteHost over the tunnel's SSH connection. Callers
// pass the five ZMQ ports plus the communication port from ConnectionInfo.
func (t *Tunnel) ForwardPorts(remoteHost string, ports []int) error {
	for _, port := range ports {
		if err := t.forwardOne(remoteHost, port); err != nil {
			_ = t.Close()
			return err
		}
	}
	return nil
}

func (t *Tunnel) forwardOne(remoteHost string, port int) error {
	local, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("failed to bind local forward port %d: %w", port, err)
	}

	t.mu.Lock()
	t.listeners = append(t.listeners, local)
	t.mu.Unlock()

	remoteAddr := fmt.Sprintf("%s:%d", remoteHost, port)

	go func() {
		for {
			conn, err := local.Accept()
			if err != nil {
				return // listener closed, tunnel torn down
			}
			go t.relay(conn, remoteAddr)
		}
	}()

	return nil
}

func (t *Tunnel) relay(local net.Conn, remoteAddr string) {
	defer local.Close()

	remote, err := t.client.Dial("tcp", remoteAddr)
	if err != nil {
		logrus.WithError(err).Warnf("tunnel: failed to dial remote %s", remoteAddr)
		return
	}
	defer remote.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = io.Copy(remote, local) }()
	go func() { defer wg.Done(); _, _ = io.Copy(local, remote) }()
	wg.Wait()
}

// ForwardConnectionInfoPorts is a convenience wrapper that forwards the five
// ZMQ ports plus the communication port from a ConnectionInfo struct.
func (t *Tunnel) ForwardConnectionInfoPorts(remoteHost string, conn wire.ConnectionInfo) error {
	return t.ForwardPorts(remoteHost, []int{
		conn.ShellPort, conn.IOPubPort, conn.StdinPort,
		conn.ControlPort, conn.HBPort, conn.CommunicationPort,
	})
}

// Close tears down every forward and the underlying SSH connection.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, l := range t.listeners {
		_ = l.Close()
	}
	t.listeners = nil

	if t.client != nil {
		return t.client.Close()
	}
	return nil
}
