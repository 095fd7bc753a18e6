//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package store

import "errors"

func DiskUsage(string) (Usage, error) {
	return Usage{}, errors.New("store: disk usage not supported on this platform")
}
