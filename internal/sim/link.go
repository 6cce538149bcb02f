// ABOUTME: Simulated lossy network link between a client and the server
// ABOUTME: Applies latency, jitter, loss and reordering in virtual time
package sim

import (
	"math/rand/v2"
	"sort"

	netsync "github.com/Resonate-Protocol/netclock-go/pkg/sync"
)

// LinkConfig describes one direction of a link
type LinkConfig struct {
	Latency netsync.Tick
	Jitter  netsync.Tick
	Loss    float64
	Reorder float64
}

// LinkStats counts what a link did to its traffic
type LinkStats struct {
	Sent      int64
	Delivered int64
	Dropped   int64
	Reordered int64
}

type packet struct {
	deliverAt netsync.Tick
	seq       int64
	uid       uint64
	ticks     netsync.Tick // sent-at for requests, server ticks for responses
}

// link queues packets until their delivery time. It is owned by one goroutine.
type link struct {
	cfg     LinkConfig
	rng     *rand.Rand
	queue   []packet
	nextSeq int64
	stats   LinkStats
}

func newLink(cfg LinkConfig, rng *rand.Rand) *link {
	return &link{cfg: cfg, rng: rng}
}

// send enqueues a packet at time now, or drops it
func (l *link) send(now netsync.Tick, uid uint64, ticks netsync.Tick) {
	l.stats.Sent++
	if l.rng.Float64() < l.cfg.Loss {
		l.stats.Dropped++
		return
	}

	delay := l.cfg.Latency
	if l.cfg.Jitter > 0 {
		delay += netsync.Tick(l.rng.Int64N(int64(2*l.cfg.Jitter)+1)) - l.cfg.Jitter
	}
	if l.rng.Float64() < l.cfg.Reorder {
		// held back long enough for a packet sent one latency later to overtake it
		delay += l.cfg.Latency + 2*l.cfg.Jitter
		l.stats.Reordered++
	}
	delay = max(delay, 0)

	l.queue = append(l.queue, packet{deliverAt: now + delay, seq: l.nextSeq, uid: uid, ticks: ticks})
	l.nextSeq++
}

// due removes and returns the packets deliverable at now, in delivery order
func (l *link) due(now netsync.Tick) []packet {
	var out, keep []packet
	for _, p := range l.queue {
		if p.deliverAt <= now {
			out = append(out, p)
		} else {
			keep = append(keep, p)
		}
	}
	l.queue = keep

	sort.Slice(out, func(i, j int) bool {
		if out[i].deliverAt != out[j].deliverAt {
			return out[i].deliverAt < out[j].deliverAt
		}
		return out[i].seq < out[j].seq
	})
	l.stats.Delivered += int64(len(out))
	return out
}
