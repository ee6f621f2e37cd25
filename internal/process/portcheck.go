package process

import (
	"errors"
	"net"
	"strconv"
	"time"
)

// ErrPortBusy indicates the worker's listen port already accepts connections.
var ErrPortBusy = errors.New("listen port already in use")

// portBusy reports whether something already accepts TCP connections on the
// local port. Used as a pre-spawn check so the conflict surfaces as a typed
// error instead of the worker dying on bind.
func portBusy(port int) bool {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
