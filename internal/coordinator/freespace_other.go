//go:build !linux

package coordinator

import "errors"

func statfsFree(path string) (uint64, error) {
	return 0, errors.New("coordinator: free space check not supported on this platform")
}
