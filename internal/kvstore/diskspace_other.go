//go:build !(linux || darwin || freebsd || openbsd || dragonfly)

package kvstore

func freeDiskBytes(string) (uint64, error) {
	return 0, ErrNotImplemented
}

const diskSpaceSupported = false
