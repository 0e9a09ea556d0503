package commport

import (
	"bufio"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kubermatic/kernel-provisioner/pkg/wire"
)

func TestSendWritesSignalFrame(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan wire.CommPortMessage, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		var msg wire.CommPortMessage
		_ = json.Unmarshal([]byte(line), &msg)
		received <- msg
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	require.NoError(t, Send(host, port, wire.SignalMessage(2)))

	select {
	case msg := <-received:
		require.NotNil(t, msg.Signum)
		require.Equal(t, 2, *msg.Signum)
		require.Nil(t, msg.Shutdown)
	case <-time.After(2 * time.Second):
		t.Fatal("communication port frame was not received")
	}
}

func TestSendWritesShutdownFrame(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan wire.CommPortMessage, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		var msg wire.CommPortMessage
		_ = json.Unmarshal([]byte(line), &msg)
		received <- msg
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	require.NoError(t, Send(host, port, wire.ShutdownMessage()))

	select {
	case msg := <-received:
		require.NotNil(t, msg.Shutdown)
		require.Equal(t, 1, *msg.Shutdown)
		require.Nil(t, msg.Signum)
	case <-time.After(2 * time.Second):
		t.Fatal("communication port frame was not received")
	}
}

func TestSendFailsWithoutAPort(t *testing.T) {
	err := Send("127.0.0.1", 0, wire.SignalMessage(0))
	require.Error(t, err)
}

func TestSendFailsWhenUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	require.NoError(t, ln.Close()) // nothing listens anymore

	err = Send(host, port, wire.SignalMessage(9))
	require.Error(t, err)
}
