package protocol

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotifyBackupSuccess_SendsCommandAndAwaitsOK(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		reader := bufio.NewReader(server)
		line, _ := reader.ReadString('\n')
		require.Equal(t, "DID BACKUP\n", line)
		_ = WritePacket(server, "OK")
	}()

	err := NotifyBackupSuccess(context.Background(), client, bufio.NewReader(client))
	require.NoError(t, err)
}

func TestNotifyBackupSuccess_AbortsWhenContextDone(t *testing.T) {
	client, server := net.Pipe()
	require.NoError(t, server.Close())
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := NotifyBackupSuccess(ctx, client, bufio.NewReader(client))
	require.Error(t, err)
}
