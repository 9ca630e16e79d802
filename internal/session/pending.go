package session

import (
	"context"
	"fmt"
	"time"

	"shellbridge/internal/fault"
	"shellbridge/internal/wire"
)

type result struct {
	msg wire.Message
	err error
}

// Pending is one in-flight request. It is resolved exactly once: by a
// response, by its deadline, or by the loss of its connection. Whichever path
// removes it from the registry delivers the only result.
type Pending struct {
	reg       *Registry
	sessionID string
	id        uint64
	connID    uint64
	deadline  time.Time
	created   time.Time
	ch        chan result
}

func (p *Pending) ID() uint64 { return p.id }

func (p *Pending) SessionID() string { return p.sessionID }

func (p *Pending) Deadline() time.Time { return p.deadline }

// deliver must only be called by the goroutine that removed p from its
// session under the shard lock.
func (p *Pending) deliver(msg wire.Message, err error) {
	p.ch <- result{msg: msg, err: err}
}

// Wait blocks until p resolves. Expiry of the deadline deregisters p and
// yields a Timeout error; ctx cancellation deregisters p and yields the
// context error.
func (p *Pending) Wait(ctx context.Context) (wire.Message, error) {
	var expired <-chan time.Time
	if !p.deadline.IsZero() {
		timer := time.NewTimer(time.Until(p.deadline))
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-p.ch:
		return r.msg, r.err
	case <-expired:
		p.reg.abandon(p, fault.Wrap(fault.ErrTimeout, "session", "await",
			fmt.Sprintf("request %d after %s", p.id, p.deadline.Sub(p.created).Round(time.Millisecond)), nil))
	case <-ctx.Done():
		p.reg.abandon(p, ctx.Err())
	}
	r := <-p.ch
	return r.msg, r.err
}

// Cancel deregisters p without waiting. A later Wait returns err unless a
// response won the race.
func (p *Pending) Cancel(err error) bool {
	return p.reg.abandon(p, err)
}
