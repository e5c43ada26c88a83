package protocol

import (
	"bufio"
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestVSSLog_ReturnsBody(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		reader := bufio.NewReader(server)
		line, _ := reader.ReadString('\n')
		require.Equal(t, "GET VSSLOG\n", line)
		_ = WritePacket(server, "0-100-starting\n0-90-done")
	}()

	body, err := RequestVSSLog(context.Background(), client, bufio.NewReader(client))
	require.NoError(t, err)
	require.Equal(t, "0-100-starting\n0-90-done", body)
}

func TestRequestVSSLog_ErrResponseIsEmptyNotError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		reader := bufio.NewReader(server)
		_, _ = reader.ReadString('\n')
		_ = WritePacket(server, "ERR")
	}()

	body, err := RequestVSSLog(context.Background(), client, bufio.NewReader(client))
	require.NoError(t, err)
	require.Empty(t, body)
}
