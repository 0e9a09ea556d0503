// Package responsemanager implements the single listener that every
// concurrent kernel launch posts its encrypted connection payload to. One
// instance is process-wide; the registry and the process keypair are its
// siblings in that respect.
package responsemanager

import (
	"bufio"
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kubermatic/kernel-provisioner/pkg/crypto"
	provisionererrors "github.com/kubermatic/kernel-provisioner/pkg/errors"
	"github.com/kubermatic/kernel-provisioner/pkg/metrics"
	"github.com/kubermatic/kernel-provisioner/pkg/wire"
)

// Manager owns the TCP listener and the concurrent map of in-flight
// waiters. Each accepted connection is handled on its own goroutine and
// routes independently: a slow or stuck waiter for kernel A never blocks
// delivery to kernel B.
type Manager struct {
	priv *rsa.PrivateKey

	listener net.Listener
	addr     string

	mu      sync.Mutex
	waiters map[string]*Waiter

	wg sync.WaitGroup
}

// New builds a Manager around the process keypair. It does not start
// listening; call Listen for that.
func New(priv *rsa.PrivateKey) *Manager {
	return &Manager{
		priv:    priv,
		waiters: make(map[string]*Waiter),
	}
}

// defaultProhibitedPatterns (loopback and link-local) are always skipped by
// DetectIP, in addition to any GP_PROHIBITED_LOCAL_IPS patterns.
var defaultProhibitedPatterns = []string{`^127\.`, `^169\.254\.`}

// DetectIP returns the first non-loopback, non-link-local IPv4 address
// bound to this host, skipping any address matching prohibited.
func DetectIP(prohibited []string) (string, error) {
	prohibited = append(append([]string(nil), defaultProhibitedPatterns...), prohibited...)
	patterns := make([]*regexp.Regexp, 0, len(prohibited))
	for _, p := range prohibited {
		re, err := regexp.Compile(p)
		if err != nil {
			return "", fmt.Errorf("invalid prohibited IP pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("failed to enumerate interfaces: %w", err)
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.To4() == nil {
			continue
		}
		ip := ipNet.IP.String()

		prohibitedMatch := false
		for _, re := range patterns {
			if re.MatchString(ip) {
				prohibitedMatch = true
				break
			}
		}
		if !prohibitedMatch {
			return ip, nil
		}
	}

	return "", fmt.Errorf("no non-prohibited IPv4 address found")
}

// Listen binds ip:preferredPort, retrying on the next higher port up to
// retries times when the port is already in use.
func (m *Manager) Listen(ip string, preferredPort, retries int) error {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		port := preferredPort + attempt
		addr := fmt.Sprintf("%s:%d", ip, port)
		l, err := net.Listen("tcp", addr)
		if err == nil {
			m.listener = l
			m.addr = l.Addr().String()
			go m.acceptLoop()
			return nil
		}
		lastErr = err
	}
	return provisionererrors.Wrap(provisionererrors.KindResponsePortUnavailable,
		fmt.Sprintf("no free port found starting at %s:%d after %d retries", ip, preferredPort, retries), lastErr)
}

// Addr returns the bound "ip:port" once Listen has succeeded.
func (m *Manager) Addr() string { return m.addr }

// Register creates a ResponseWaiter for kernelID. It panics if one already
// exists: a kernel_id must be used for exactly one in-flight launch at a
// time.
func (m *Manager) Register(kernelID string, deadline time.Time) *Waiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.waiters[kernelID]; exists {
		panic(fmt.Sprintf("responsemanager: waiter already registered for kernel_id %q", kernelID))
	}

	w := newWaiter(kernelID, deadline)
	m.waiters[kernelID] = w
	return w
}

// Await blocks until the waiter's payload is delivered, its deadline
// elapses (LAUNCH_TIMEOUT), or ctx is cancelled (LAUNCH_CANCELLED).
func (m *Manager) Await(ctx context.Context, w *Waiter) (wire.ConnectionInfo, error) {
	timer := time.NewTimer(time.Until(w.deadline))
	defer timer.Stop()

	select {
	case r := <-w.result:
		m.Unregister(w.kernelID)
		return r.conn, r.err
	case <-timer.C:
		m.Unregister(w.kernelID)
		return wire.ConnectionInfo{}, provisionererrors.New(provisionererrors.KindLaunchTimeout,
			fmt.Sprintf("no response payload for kernel %s within deadline", w.kernelID))
	case <-ctx.Done():
		w.fail(provisionererrors.New(provisionererrors.KindLaunchCancelled, "launch cancelled"))
		m.Unregister(w.kernelID)
		return wire.ConnectionInfo{}, provisionererrors.New(provisionererrors.KindLaunchCancelled,
			fmt.Sprintf("launch for kernel %s cancelled", w.kernelID))
	}
}

// Unregister idempotently removes a waiter, e.g. after delivery, timeout,
// or launch abort.
func (m *Manager) Unregister(kernelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waiters, kernelID)
}

func (m *Manager) lookup(kernelID string) (*Waiter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.waiters[kernelID]
	return w, ok
}

// Close stops accepting new connections and waits for in-flight handlers to
// finish.
func (m *Manager) Close() error {
	var err error
	if m.listener != nil {
		err = m.listener.Close()
	}
	m.wg.Wait()
	return err
}

func (m *Manager) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return // listener closed
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handle(conn)
		}()
	}
}

// handle decodes one connection's payload, attempts to decrypt it with the
// process private key, and routes it by the kernel_id embedded in the
// decrypted conn_info. A payload that fails to decrypt, or whose kernel_id
// has no waiter, is logged and dropped as an orphan response — it never
// aborts the listener.
func (m *Manager) handle(conn net.Conn) {
	defer conn.Close()

	blob, err := io.ReadAll(bufio.NewReader(conn))
	if err != nil {
		logrus.WithError(err).Warn("responsemanager: failed to read payload")
		return
	}

	connInfo, err := crypto.DecryptPayload(string(blob), m.priv)
	if err != nil {
		metrics.ResponsePayloadsTotal.WithLabelValues("malformed").Inc()
		logrus.WithError(err).Warn("responsemanager: dropping undecryptable payload")
		return
	}

	w, ok := m.lookup(connInfo.KernelID)
	if !ok {
		metrics.ResponsePayloadsTotal.WithLabelValues("orphaned").Inc()
		logrus.WithField("kernel_id", connInfo.KernelID).Warn("responsemanager: dropping orphan response, no waiter registered")
		return
	}

	metrics.ResponsePayloadsTotal.WithLabelValues("delivered").Inc()
	w.deliver(connInfo)
}
