//go:build !linux

package memcopy

func OpenTarget(pid int, mode Mode) (*Target, error) {
	_ = pid
	_ = mode
	return nil, ErrUnsupported
}
