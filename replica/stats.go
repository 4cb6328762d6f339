package replica

import (
	"context"
	"time"
)

// statsLoop periodically logs cache occupancy, command backlog, and
// receive counters at INFO level, the Go counterpart of hotstuff.cpp's
// print_stat timer.
func (r *Replica) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(r.statPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := r.store.Stats()
			r.logger.Info("stats",
				"block_cache", st.BlockCacheSize,
				"cmd_cache", st.CmdCacheSize,
				"cmd_pending", r.pipe.Pending(),
				"peer_msgs_recv", r.peerTrans.RecvCount(),
			)
		}
	}
}
