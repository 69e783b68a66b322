//go:build !linux

package transport

import (
	"errors"
	"net"
)

func peerPID(net.Conn) (int32, error) {
	return 0, errors.New("peer credentials are only available on linux")
}
