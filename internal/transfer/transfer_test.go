package transfer

import (
	"context"
	"io"
	"net"
	"os"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
	"github.com/xtaci/smux"

	"github.com/manishalankala/urbackup-coordinator/internal/protocol"
)

// singleByteReader adapts an io.Reader to io.ByteReader without the
// look-ahead buffering bufio.Reader would do, so it doesn't consume bytes
// past the packet it's asked to read.
type singleByteReader struct {
	r io.Reader
}

func (s singleByteReader) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(s.r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func newSmuxPipe(t *testing.T) (*smux.Session, *smux.Session) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	clientSess, err := smux.Client(clientConn, smux.DefaultConfig())
	require.NoError(t, err)
	serverSess, err := smux.Server(serverConn, smux.DefaultConfig())
	require.NoError(t, err)

	t.Cleanup(func() {
		clientSess.Close()
		serverSess.Close()
	})
	return clientSess, serverSess
}

func TestSmuxClient_FetchWritesStagedFile(t *testing.T) {
	clientSess, serverSess := newSmuxPipe(t)

	go func() {
		stream, err := serverSess.AcceptStream()
		if err != nil {
			return
		}
		raw, err := protocol.ReadPacketRaw(singleByteReader{stream})
		if err != nil {
			return
		}
		var req fetchRequest
		if err := cbor.Unmarshal(raw, &req); err != nil {
			return
		}
		if req.Path == "A/x" {
			stream.Write([]byte("hello world"))
		}
		stream.Close()
	}()

	c := NewSmuxClient(clientSess, false)
	destDir := t.TempDir()
	res, err := c.Fetch(context.Background(), "A/x", destDir)
	require.NoError(t, err)
	require.Equal(t, int64(11), res.Size)

	data, err := os.ReadFile(res.TmpPath)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestSmuxClient_FetchRangeSendsOffsetLength(t *testing.T) {
	clientSess, serverSess := newSmuxPipe(t)

	received := make(chan fetchRequest, 1)
	go func() {
		stream, err := serverSess.AcceptStream()
		if err != nil {
			return
		}
		raw, err := protocol.ReadPacketRaw(singleByteReader{stream})
		if err != nil {
			return
		}
		var req fetchRequest
		cbor.Unmarshal(raw, &req)
		received <- req
		stream.Write([]byte("partial"))
		stream.Close()
	}()

	c := NewSmuxClient(clientSess, true)
	_, err := c.FetchRange(context.Background(), "A/x", 100, 50, t.TempDir())
	require.NoError(t, err)

	req := <-received
	require.Equal(t, int64(100), req.Offset)
	require.Equal(t, int64(50), req.Length)
	require.True(t, req.Hashed)
}
