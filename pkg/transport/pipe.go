package transport

import "io"

// NewPipe returns two transports connected to each other in memory. It is
// used to embed a build server in-process and by tests.
func NewPipe(config TransportConfig) (Transport, Transport, error) {
	config.Type = TransportTypePipe
	if err := validateFraming(config); err != nil {
		return nil, nil, err
	}

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	client, err := newStreamTransport(TransportTypePipe, clientReader, clientWriter, config, clientReader, clientWriter)
	if err != nil {
		return nil, nil, err
	}
	server, err := newStreamTransport(TransportTypePipe, serverReader, serverWriter, config, serverReader, serverWriter)
	if err != nil {
		return nil, nil, err
	}

	return applyMiddleware(client, config), applyMiddleware(server, config), nil
}
