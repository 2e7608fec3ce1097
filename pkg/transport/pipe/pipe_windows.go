//go:build windows

package pipe

import (
	"context"
	"net"
	"strings"

	"github.com/Microsoft/go-winio"
)

// Path expands a pipe name to its full \\host\pipe\name form. Names that
// already carry the prefix pass through.
func Path(name string) string {
	if strings.HasPrefix(name, `\\`) {
		return name
	}
	host := "."
	if i := strings.IndexByte(name, '/'); i >= 0 {
		if h := name[:i]; h != "" {
			host = h
		}
		name = name[i+1:]
	}
	return `\\` + host + `\pipe\` + name
}

func listen(name string, opts Options) (net.Listener, error) {
	return winio.ListenPipe(Path(name), &winio.PipeConfig{
		MessageMode:      true,
		InputBufferSize:  opts.InputBufferSize,
		OutputBufferSize: opts.OutputBufferSize,
	})
}

func dial(ctx context.Context, name string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, Path(name))
}
