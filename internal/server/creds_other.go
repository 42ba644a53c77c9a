//go:build !linux

package server

import (
	"errors"
	"net"

	"github.com/danmuck/hostbridge/internal/dispatch"
)

var errPeerUnsupported = errors.New("server: peer credentials unsupported on this platform")

func readPeer(*net.UnixConn) (dispatch.Peer, error) {
	return dispatch.Peer{}, errPeerUnsupported
}
