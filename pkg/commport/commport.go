// Package commport speaks the host-to-launcher half of the
// communication-port protocol: one line-delimited JSON frame per message,
// written over a short-lived TCP connection to the port a kernel-launcher
// advertised in its connection info. It is the host-initiated counterpart
// to pkg/responsemanager, which only ever receives; dialing out and writing
// a single frame follows the same plain net.Dial/net.Conn idiom the rest of
// this module reaches for instead of a messaging library.
package commport

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/kubermatic/kernel-provisioner/pkg/wire"
)

// DialTimeout bounds both connecting to the launcher and writing the frame.
const DialTimeout = 3 * time.Second

// Send dials host:port and writes msg as one newline-terminated JSON line,
// then closes the connection. Signal and shutdown delivery are fire-and-
// forget from the host's side: the launcher does not write a reply frame.
func Send(host string, port int, msg wire.CommPortMessage) error {
	if port == 0 {
		return fmt.Errorf("no communication port advertised for this kernel")
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return fmt.Errorf("failed to dial communication port %s: %w", addr, err)
	}
	defer conn.Close()

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode communication port frame: %w", err)
	}
	line = append(line, '\n')

	if err := conn.SetWriteDeadline(time.Now().Add(DialTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline for %s: %w", addr, err)
	}
	if _, err := conn.Write(line); err != nil {
		return fmt.Errorf("failed to write communication port frame to %s: %w", addr, err)
	}
	return nil
}
