//go:build !linux

package transport

func ioUringAvailable() bool { return false }

func init() {
	RegisterOpener(IoUring, func(cfg Config) (Backend, error) {
		return nil, &ErrUnsupportedTransport{Type: IoUring}
	})
}
