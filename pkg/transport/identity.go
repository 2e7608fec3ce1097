package transport

import (
	"net"
	"strconv"
	"sync/atomic"
)

var anonSeq atomic.Uint64

// AnonymousPeer describes an accepted session whose remote end has not
// identified itself. Pipe clients often have no usable remote address, so
// ids carry a process-wide sequence number.
func AnonymousPeer(kind Kind, remote net.Addr) PeerInfo {
	info := PeerInfo{ID: PeerID(kind.String() + "#" + strconv.FormatUint(anonSeq.Add(1), 10))}
	if remote != nil {
		info.Addr = remote.String()
	}
	return info
}
