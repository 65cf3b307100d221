package testutil

import (
	"net"
)

// GetFreeAddress returns a free "127.0.0.1:port" address by briefly binding
// port 0 and releasing it. There is a small race window between release and
// reuse, which is acceptable for tests.
func GetFreeAddress() string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}
