package transport

import (
	"context"
	"net"

	bsperrors "github.com/ajitpratap0/bsp-sdk-go/pkg/errors"
)

// newSocketTransport creates a stream transport over config.Conn. Stop closes
// the connection.
func newSocketTransport(config TransportConfig) (Transport, error) {
	return newStreamTransport(TransportTypeSocket, config.Conn, config.Conn, config, config.Conn)
}

// NewSocketTransport wraps an established connection, such as one returned
// by a net.Listener, in a socket transport.
func NewSocketTransport(conn net.Conn, config TransportConfig) (Transport, error) {
	config.Type = TransportTypeSocket
	config.Conn = conn
	return NewTransport(config)
}

// Dial connects to a build server listening on network and address and
// returns a socket transport for the connection.
func Dial(ctx context.Context, network, address string, config TransportConfig) (Transport, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, bsperrors.TransportError(string(TransportTypeSocket), "dial", err).
			WithContext(&bsperrors.Context{
				Component: "SocketTransport",
				Operation: "dial",
			}).WithDetail(network + " " + address)
	}

	t, err := NewSocketTransport(conn, config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return t, nil
}
