//go:build linux

package server

import (
	"fmt"
	"net"

	"github.com/danmuck/hostbridge/internal/dispatch"
	"golang.org/x/sys/unix"
)

// readPeer returns the kernel's view of the process on the other end.
func readPeer(conn *net.UnixConn) (dispatch.Peer, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return dispatch.Peer{}, fmt.Errorf("server: raw conn: %w", err)
	}

	var (
		cred    *unix.Ucred
		credErr error
	)
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return dispatch.Peer{}, fmt.Errorf("server: raw control: %w", err)
	}
	if credErr != nil {
		return dispatch.Peer{}, fmt.Errorf("server: SO_PEERCRED: %w", credErr)
	}
	return dispatch.Peer{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid, Known: true}, nil
}
