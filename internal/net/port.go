package net

import (
	"fmt"
	"net"
)

// FreeLocalAddr reserves an ephemeral port on the loopback interface and returns "127.0.0.1:<port>".
// The port is released before returning, so another process could claim it first.
func FreeLocalAddr() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().String(), nil
}
