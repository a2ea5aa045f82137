package probe

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPProberAnswersWhenListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	p := NewTCPProber()
	ok, err := p.IsRunning(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTCPProberFailsWhenNothingListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	ln.Close() // free the port, nothing listens now

	p := NewTCPProber().WithTimeout(0)
	ok, err := p.IsRunning(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)
	assert.False(t, ok)
}
