package netutil_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tripwire/reactor/internal/endpoint"
	"github.com/tripwire/reactor/internal/netutil"
)

func TestAccept_NoPendingConnectionWouldBlock(t *testing.T) {
	listener, err := endpoint.Parse("inet://127.0.0.1:0", endpoint.TypeStream)
	require.NoError(t, err)
	defer listener.Close()
	require.NoError(t, listener.Listen(4))

	_, _, err = netutil.Accept(listener.FD())
	require.ErrorIs(t, err, netutil.ErrWouldBlock)
}

func TestSetNoDelay(t *testing.T) {
	srv, err := endpoint.Parse("inet://127.0.0.1:0", endpoint.TypeStream)
	require.NoError(t, err)
	defer srv.Close()
	require.NoError(t, srv.Listen(1))
	require.NoError(t, netutil.SetNoDelay(srv.FD(), true))
}
