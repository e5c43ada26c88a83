//go:build !linux

package hashindex

import "errors"

func reflink(src, dst string) error {
	return errors.New("hashindex: reflink not supported on this platform")
}
