package server

import (
	"time"

	"github.com/google/uuid"

	"github.com/openjam/jamd/pkg/protocol"
)

// handleIntervalBegin opens an audio interval: subscribed peers get a
// download-begin notice, and both ends register transfer state unless
// the interval is silence (all-zero id), which is relayed untracked.
func (c *UserConn) handleIntervalBegin(g *Group, ib *protocol.IntervalBegin) {
	if int(ib.ChannelIndex) >= protocol.MaxUserChannels {
		return
	}

	notice := &protocol.Message{DownloadBegin: &protocol.DownloadBegin{
		Username:      c.username,
		ChannelIndex:  ib.ChannelIndex,
		ContentTag:    ib.ContentTag,
		ID:            ib.ID,
		EstimatedSize: ib.EstimatedSize,
	}}

	now := g.now()
	silence := ib.ID == protocol.SilenceID
	if ib.ContentTag != 0 && !silence {
		c.incoming = append(c.incoming, &transferState{
			id:           ib.ID,
			contentTag:   ib.ContentTag,
			estimated:    ib.EstimatedSize,
			lastActivity: now,
		})
	}
	g.metrics.IntervalsStarted.Add(1)

	for _, p := range g.members {
		if p == c || !p.authed {
			continue
		}
		mask, ok := p.subscriptionMask(c.username)
		if !ok || mask&(1<<ib.ChannelIndex) == 0 {
			continue
		}
		if !silence {
			p.outgoing = append(p.outgoing, &transferState{
				id:           ib.ID,
				contentTag:   ib.ContentTag,
				estimated:    ib.EstimatedSize,
				lastActivity: now,
			})
		}
		p.send(notice)
	}
}

// handleIntervalWrite updates the sender's transfer, then forwards the
// chunk verbatim to every peer holding a matching outgoing transfer.
// Each scan doubles as the inactivity sweep, so abandoned transfers are
// bounded without a dedicated timer. A write referencing an unknown id
// is dropped silently: its begin may have raced a timeout.
func (c *UserConn) handleIntervalWrite(g *Group, iw *protocol.IntervalWrite) {
	now := g.now()
	end := iw.Flags&protocol.IntervalWriteEndFlag != 0

	var expired int
	c.incoming, _, expired = updateAndSweep(c.incoming, iw.ID, uint64(len(iw.Data)), end, now)
	g.metrics.TransfersExpired.Add(int64(expired))

	fwd := &protocol.Message{DownloadWrite: &protocol.DownloadWrite{
		ID:    iw.ID,
		Flags: iw.Flags,
		Data:  iw.Data,
	}}
	for _, p := range g.members {
		if p == c || !p.authed {
			continue
		}
		var matched bool
		p.outgoing, matched, expired = updateAndSweep(p.outgoing, iw.ID, uint64(len(iw.Data)), end, now)
		g.metrics.TransfersExpired.Add(int64(expired))
		if matched {
			p.send(fwd)
			g.metrics.IntervalChunksRelayed.Add(1)
			g.metrics.IntervalBytesRelayed.Add(int64(len(iw.Data)))
		}
	}
}

// updateAndSweep is the transfer-table sweep: one pass that refreshes
// the transfer matching id (removing it when end is set) and evicts
// every other transfer idle past transferTimeout. A matching transfer
// wins over its own expiry, so a late write revives it.
func updateAndSweep(list []*transferState, id uuid.UUID, n uint64, end bool, now time.Time) (kept []*transferState, matched bool, expired int) {
	kept = list[:0]
	for _, t := range list {
		switch {
		case t.id == id:
			matched = true
			t.lastActivity = now
			t.bytesSoFar += n
			if !end {
				kept = append(kept, t)
			}
		case now.Sub(t.lastActivity) > transferTimeout:
			expired++
		default:
			kept = append(kept, t)
		}
	}
	return kept, matched, expired
}
