package cm

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cloudmailing/cm/mlog"
)

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// Cid returns a new unique id to be used for connections, sessions, queues and
// periodic task runs.
func Cid() int64 {
	return cid.Add(1)
}

// CidContext returns a child context carrying a new cid, for logging.
func CidContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, mlog.CidKey, Cid())
}
