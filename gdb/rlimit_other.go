//go:build !linux

package gdb

import "errors"

func limitInferior(pid int, memory int64) (coreErr error, err error) {
	return nil, errors.New("resource limits on another pid need prlimit(2), linux only")
}
