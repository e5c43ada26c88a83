package protocol

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"
)

const vssLogRequestTimeout = 10 * time.Second

// RequestVSSLog sends "GET VSSLOG" over the still-open filelist-request
// connection and returns the client's raw log body, grounded on
// FileBackup::logVssLogdata's client_main->sendClientMessage("GET VSSLOG",
// ..., 10000). An empty body or the literal "ERR" response both mean the
// client has nothing to report, not a hard failure — the caller should
// treat either as "no lines to ingest".
func RequestVSSLog(ctx context.Context, conn net.Conn, reader *bufio.Reader) (string, error) {
	if _, err := conn.Write([]byte("GET VSSLOG\n")); err != nil {
		return "", fmt.Errorf("%w: %v", ErrConnectFail, err)
	}

	deadline := time.Now().Add(vssLogRequestTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetReadDeadline(deadline)

	text, err := ReadPacket(reader)
	if err != nil {
		return "", err
	}
	if text == "" || text == "ERR" {
		return "", nil
	}
	return text, nil
}
