package reactor

import (
	"time"

	"github.com/adred-codev/collector/internal/shared/monitoring"
)

// writePump writes encoded responses for one connection.
// The loop keeps at most one response outstanding, so the channel never blocks it.
func (r *Reactor) writePump(c *Connection) {
	defer monitoring.RecoverPanic(r.logger, "writePump", map[string]any{
		"conn_id": c.ID,
	})
	defer r.wg.Done()

	for w := range c.out {
		_ = c.conn.SetWriteDeadline(time.Now().Add(r.opts.WriteTimeout))
		n, err := c.conn.Write(w.data)
		r.post(writtenEvent{id: c.ID, n: n, err: err, closeAfter: w.closeAfter})
		if err != nil {
			r.logger.Debug().Err(err).Uint64("conn_id", c.ID).Msg("Failed to write response")
			return
		}
	}
}
