package frontend

import "os"

// procID returns the process id, used to fold process identity into
// each connection's id (derived from pid XOR a per-process counter so
// it is unique within the process). Go gives no portable way to read a
// net.Conn's raw fd, so the monotonic counter in NewConnection stands
// in for "fd".
func procID() int {
	return os.Getpid()
}
