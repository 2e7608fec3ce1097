//go:build !windows

package pipe

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// Path maps a pipe name to a unix socket under the temp directory. A host
// qualifier is ignored since sockets are local only.
func Path(name string) string {
	if strings.HasPrefix(name, "/") {
		return name
	}
	if i := strings.IndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return filepath.Join(os.TempDir(), "pipemesh-"+name+".sock")
}

func listen(name string, _ Options) (net.Listener, error) {
	p := Path(name)
	// A stale socket from a crashed process blocks bind.
	if fi, err := os.Lstat(p); err == nil && fi.Mode()&os.ModeSocket != 0 {
		_ = os.Remove(p)
	}
	return net.Listen("unix", p)
}

func dial(ctx context.Context, name string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", Path(name))
}
