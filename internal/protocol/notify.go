package protocol

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"
)

const (
	notifyRetries    = 5
	notifyRetryDelay = 10 * time.Second
)

// NotifyBackupSuccess tells the client its backup finished (spec §4.1
// step 7): send "DID BACKUP" and expect "OK" back, mirroring the
// original's sendClientMessageRetry("DID BACKUP", "OK", ..., 10000, 5).
// A failed notification is reported but never fails the backup itself —
// the DB commit already happened. Retries stop early if ctx is done.
func NotifyBackupSuccess(ctx context.Context, conn net.Conn, reader *bufio.Reader) error {
	var lastErr error
	for i := 0; i < notifyRetries; i++ {
		if i > 0 && ctx.Err() != nil {
			break
		}
		if _, err := conn.Write([]byte("DID BACKUP\n")); err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrConnectFail, err)
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(notifyRetryDelay):
			}
			continue
		}

		_ = conn.SetReadDeadline(time.Now().Add(notifyRetryDelay))
		text, err := ReadPacket(reader)
		if err != nil {
			lastErr = err
			continue
		}
		if text == "OK" {
			return nil
		}
		lastErr = fmt.Errorf("%w: %s", ErrRemoteError, text)
	}
	return fmt.Errorf("protocol: notify backup success: %w", lastErr)
}
