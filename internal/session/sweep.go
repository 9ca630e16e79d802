package session

import (
	"fmt"
	"time"

	"shellbridge/internal/fault"
	"shellbridge/internal/wire"
)

// EvictReason says why Sweep dropped a session.
type EvictReason string

const (
	EvictIdle       EvictReason = "idle"
	EvictAnchorGone EvictReason = "anchor_gone"
)

// Eviction records one session removed by Sweep.
type Eviction struct {
	Info   Info
	Reason EvictReason
}

// SweepReport summarizes one Sweep pass.
type SweepReport struct {
	Evicted []Eviction
	Expired int
}

// SweepOptions customizes a Sweep pass.
type SweepOptions struct {
	// AnchorAlive reports whether the process a session is anchored to still
	// exists. Sessions without an anchor pid are never checked.
	AnchorAlive func(Meta) bool
}

// Sweep expires pending requests past their deadline and evicts sessions
// whose anchor process exited. Sessions without a live connection are also
// dropped once they have been idle longer than the TTL; a bound connection is
// never closed for being quiet. Residual work on evicted sessions fails with
// Disconnected.
func (r *Registry) Sweep(opts SweepOptions) SweepReport {
	var report SweepReport
	for _, s := range r.shards {
		report.merge(r.sweepShard(s, opts))
	}
	return report
}

func (rep *SweepReport) merge(other SweepReport) {
	rep.Evicted = append(rep.Evicted, other.Evicted...)
	rep.Expired += other.Expired
}

func (r *Registry) sweepShard(s *shard, opts SweepOptions) SweepReport {
	var report SweepReport
	now := r.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.sessions {
		for cid, p := range e.pending {
			if p.deadline.IsZero() || now.Before(p.deadline) {
				continue
			}
			delete(e.pending, cid)
			p.deliver(wire.Message{}, fault.Wrap(fault.ErrTimeout, "session", "sweep",
				fmt.Sprintf("request %d expired", cid), nil))
			report.Expired++
		}

		reason := EvictReason("")
		switch {
		case e.conn == nil && r.ttl > 0 && now.Sub(e.lastSeen) > r.ttl:
			reason = EvictIdle
		case opts.AnchorAlive != nil && e.meta.AnchorPID > 0 && !opts.AnchorAlive(e.meta):
			reason = EvictAnchorGone
		}
		if reason == "" {
			continue
		}

		info := e.info()
		e.release(fault.Wrap(fault.ErrDisconnected, "session", "sweep",
			fmt.Sprintf("session %s evicted (%s)", id, reason), nil))
		if e.conn != nil {
			_ = e.conn.Close()
			e.conn = nil
		}
		delete(s.sessions, id)
		report.Evicted = append(report.Evicted, Eviction{Info: info, Reason: reason})
	}
	return report
}

// StartSweeper runs Sweep every interval until stop is closed. Each report
// is passed to onReport when it is non-nil.
func (r *Registry) StartSweeper(interval time.Duration, stop <-chan struct{}, opts SweepOptions, onReport func(SweepReport)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			report := r.Sweep(opts)
			if onReport != nil {
				onReport(report)
			}
		}
	}
}
