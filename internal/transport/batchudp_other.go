//go:build !linux

package transport

func batchUDPAvailable() bool { return false }

func init() {
	RegisterOpener(BatchUDP, func(cfg Config) (Backend, error) {
		return nil, &ErrUnsupportedTransport{Type: BatchUDP}
	})
}
