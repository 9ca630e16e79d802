package session

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"shellbridge/internal/fault"
	"shellbridge/internal/wire"
)

// ErrDuplicateCorrelation is returned when a correlation id is already
// pending on the session.
var ErrDuplicateCorrelation = errors.New("correlation id already pending")

// DefaultShards is the shard count when Options.Shards is zero.
const DefaultShards = 16

// Conn is the connection handle a session binds. The registry closes it when
// the binding ends.
type Conn interface {
	ID() uint64
	Close() error
}

// Meta describes who holds a session binding.
type Meta struct {
	AnchorPID   int
	AnchorName  string
	AnchorStart uint64
	PeerPID     int
}

// Options configures a Registry.
type Options struct {
	Shards int
	// TTL forgets unbound sessions with no activity for this long. Zero
	// disables idle eviction.
	TTL time.Duration
	// SinkBuffer is the initial queue capacity of each sink.
	SinkBuffer int
	Now        func() time.Time
}

// Registry maps session ids to their live connection, pending requests,
// event sinks, and topic interest. Storage is sharded by session id; all
// mutation of one session happens under its shard lock.
type Registry struct {
	shards     []*shard
	ttl        time.Duration
	sinkBuffer int
	now        func() time.Time
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	id       string
	conn     Conn
	meta     Meta
	boundAt  time.Time
	lastSeen time.Time
	pending  map[uint64]*Pending
	sinks    map[string]map[*Sink]struct{}
	topics   map[string]struct{}
}

// New builds an empty registry.
func New(opts Options) *Registry {
	n := opts.Shards
	if n <= 0 {
		n = DefaultShards
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := &Registry{
		shards:     make([]*shard, n),
		ttl:        opts.TTL,
		sinkBuffer: opts.SinkBuffer,
		now:        now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*entry)}
	}
	return r
}

func (r *Registry) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// lookup returns the entry for sessionID, creating it when create is set.
// Callers hold s.mu.
func (s *shard) lookup(sessionID string, create bool, now time.Time) *entry {
	e, ok := s.sessions[sessionID]
	if !ok && create {
		e = &entry{
			id:       sessionID,
			lastSeen: now,
			pending:  make(map[uint64]*Pending),
			sinks:    make(map[string]map[*Sink]struct{}),
			topics:   make(map[string]struct{}),
		}
		s.sessions[sessionID] = e
	}
	return e
}

// BindResult reports what a Bind displaced.
type BindResult struct {
	Superseded     Conn
	SupersededMeta Meta
	FailedPending  int
}

// Bind installs conn as the live connection for sessionID. A previous
// connection is closed and everything outstanding on it fails with
// Disconnected before conn becomes visible to other callers.
func (r *Registry) Bind(sessionID string, conn Conn, meta Meta) (BindResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return BindResult{}, fmt.Errorf("bind: empty session id")
	}
	if conn == nil {
		return BindResult{}, fmt.Errorf("bind %s: nil connection", sessionID)
	}
	s := r.shardFor(sessionID)
	now := r.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(sessionID, true, now)

	var res BindResult
	if e.conn != nil && e.conn.ID() != conn.ID() {
		res.Superseded = e.conn
		res.SupersededMeta = e.meta
		cause := fault.Wrap(fault.ErrDisconnected, "session", "bind",
			fmt.Sprintf("session %s superseded by a newer connection", sessionID), nil)
		res.FailedPending = e.release(cause)
		_ = e.conn.Close()
	}
	e.conn = conn
	e.meta = meta
	e.boundAt = now
	e.lastSeen = now
	return res, nil
}

// Unbind ends conn's binding if it still owns sessionID, failing its
// outstanding work with Disconnected and closing it. It reports whether conn
// was the live binding.
func (r *Registry) Unbind(sessionID string, conn Conn, cause error) bool {
	if conn == nil {
		return false
	}
	s := r.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(sessionID, false, time.Time{})
	if e == nil || e.conn == nil || e.conn.ID() != conn.ID() {
		return false
	}
	if !errors.Is(cause, fault.ErrDisconnected) {
		cause = fault.Wrap(fault.ErrDisconnected, "session", "unbind",
			fmt.Sprintf("connection for session %s lost", sessionID), cause)
	}
	e.release(cause)
	_ = e.conn.Close()
	e.conn = nil
	e.lastSeen = r.now()
	return true
}

// release fails pending requests and sinks and drops topic interest. Callers
// hold the shard lock.
func (e *entry) release(cause error) int {
	failed := len(e.pending)
	for id, p := range e.pending {
		delete(e.pending, id)
		p.deliver(wire.Message{}, cause)
	}
	for topic, set := range e.sinks {
		for sink := range set {
			sink.finish(cause)
		}
		delete(e.sinks, topic)
	}
	clear(e.topics)
	return failed
}

// Conn returns the live connection for sessionID.
func (r *Registry) Conn(sessionID string) (Conn, bool) {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(sessionID, false, time.Time{})
	if e == nil || e.conn == nil {
		return nil, false
	}
	return e.conn, true
}

// Touch records activity on sessionID.
func (r *Registry) Touch(sessionID string) {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	if e := s.lookup(sessionID, false, time.Time{}); e != nil {
		e.lastSeen = r.now()
	}
	s.mu.Unlock()
}

// RegisterPending adds an in-flight request to the session's live
// connection. A zero deadline waits until the connection is lost or the
// waiter gives up.
func (r *Registry) RegisterPending(sessionID string, correlationID uint64, deadline time.Time) (*Pending, error) {
	s := r.shardFor(sessionID)
	now := r.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(sessionID, false, now)
	if e == nil || e.conn == nil {
		return nil, fault.Wrap(fault.ErrDisconnected, "session", "register",
			fmt.Sprintf("session %s has no live connection", sessionID), nil)
	}
	if _, exists := e.pending[correlationID]; exists {
		return nil, fmt.Errorf("register %d on %s: %w", correlationID, sessionID, ErrDuplicateCorrelation)
	}
	p := &Pending{
		reg:       r,
		sessionID: sessionID,
		id:        correlationID,
		connID:    e.conn.ID(),
		deadline:  deadline,
		created:   now,
		ch:        make(chan result, 1),
	}
	e.pending[correlationID] = p
	e.lastSeen = now
	return p, nil
}

// Resolve delivers msg to the pending request with correlationID. Late or
// duplicate deliveries find nothing and are dropped.
func (r *Registry) Resolve(sessionID string, correlationID uint64, msg wire.Message) bool {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(sessionID, false, time.Time{})
	if e == nil {
		return false
	}
	p, ok := e.pending[correlationID]
	if !ok {
		return false
	}
	delete(e.pending, correlationID)
	e.lastSeen = r.now()
	p.deliver(msg, nil)
	return true
}

// abandon removes p if it is still pending and delivers err to it.
func (r *Registry) abandon(p *Pending, err error) bool {
	s := r.shardFor(p.sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(p.sessionID, false, time.Time{})
	if e == nil || e.pending[p.id] != p {
		return false
	}
	delete(e.pending, p.id)
	p.deliver(wire.Message{}, err)
	return true
}

// PendingCount reports how many requests are outstanding on sessionID.
func (r *Registry) PendingCount(sessionID string) int {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.lookup(sessionID, false, time.Time{}); e != nil {
		return len(e.pending)
	}
	return 0
}

// AddSink opens a standing sink for topic events on the session's live
// connection.
func (r *Registry) AddSink(sessionID, topic string) (*Sink, error) {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(sessionID, false, time.Time{})
	if e == nil || e.conn == nil {
		return nil, fault.Wrap(fault.ErrDisconnected, "session", "subscribe",
			fmt.Sprintf("session %s has no live connection", sessionID), nil)
	}
	sink := newSink(sessionID, topic, e.conn.ID(), r.sinkBuffer)
	set, ok := e.sinks[topic]
	if !ok {
		set = make(map[*Sink]struct{})
		e.sinks[topic] = set
	}
	set[sink] = struct{}{}
	return sink, nil
}

// RemoveSink finishes sink with err and drops it. It reports whether topic
// has no remaining sinks on the session.
func (r *Registry) RemoveSink(sink *Sink, err error) bool {
	s := r.shardFor(sink.sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	sink.finish(err)
	e := s.lookup(sink.sessionID, false, time.Time{})
	if e == nil {
		return true
	}
	set := e.sinks[sink.topic]
	delete(set, sink)
	if len(set) == 0 {
		delete(e.sinks, sink.topic)
		return true
	}
	return false
}

// Publish queues evt on every sink of its topic on sessionID, in order. It
// never waits on a consumer.
func (r *Registry) Publish(sessionID string, evt wire.Event) int {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	e := s.lookup(sessionID, false, time.Time{})
	if e == nil {
		s.mu.Unlock()
		return 0
	}
	e.lastSeen = r.now()
	targets := make([]*Sink, 0, len(e.sinks[evt.Topic]))
	for sink := range e.sinks[evt.Topic] {
		targets = append(targets, sink)
	}
	s.mu.Unlock()

	delivered := 0
	for _, sink := range targets {
		if sink.push(evt) {
			delivered++
		}
	}
	return delivered
}

// AddTopic records that the session's live connection wants topic events.
func (r *Registry) AddTopic(sessionID, topic string) error {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(sessionID, false, time.Time{})
	if e == nil || e.conn == nil {
		return fault.Wrap(fault.ErrDisconnected, "session", "add topic",
			fmt.Sprintf("session %s has no live connection", sessionID), nil)
	}
	e.topics[topic] = struct{}{}
	e.lastSeen = r.now()
	return nil
}

// RemoveTopic drops topic interest.
func (r *Registry) RemoveTopic(sessionID, topic string) {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.lookup(sessionID, false, time.Time{}); e != nil {
		delete(e.topics, topic)
	}
}

// Target is a live connection interested in a topic.
type Target struct {
	SessionID string
	Conn      Conn
}

// Subscribers lists live connections with interest in topic. An empty
// sessionID matches every session.
func (r *Registry) Subscribers(topic, sessionID string) []Target {
	if sessionID != "" {
		s := r.shardFor(sessionID)
		s.mu.Lock()
		defer s.mu.Unlock()
		e := s.lookup(sessionID, false, time.Time{})
		if e == nil || e.conn == nil {
			return nil
		}
		if _, ok := e.topics[topic]; !ok {
			return nil
		}
		return []Target{{SessionID: e.id, Conn: e.conn}}
	}

	var out []Target
	for _, s := range r.shards {
		s.mu.Lock()
		for _, e := range s.sessions {
			if e.conn == nil {
				continue
			}
			if _, ok := e.topics[topic]; ok {
				out = append(out, Target{SessionID: e.id, Conn: e.conn})
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Info is a point-in-time view of one session.
type Info struct {
	SessionID string
	Bound     bool
	ConnID    uint64
	Meta      Meta
	BoundAt   time.Time
	LastSeen  time.Time
	Pending   int
	Sinks     int
	Topics    []string
}

// Snapshot lists every known session sorted by id.
func (r *Registry) Snapshot() []Info {
	var out []Info
	for _, s := range r.shards {
		s.mu.Lock()
		for _, e := range s.sessions {
			out = append(out, e.info())
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Lookup returns the view of one session, bound or not.
func (r *Registry) Lookup(sessionID string) (Info, bool) {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(sessionID, false, time.Time{})
	if e == nil {
		return Info{}, false
	}
	return e.info(), true
}

// Len counts sessions with a live connection.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for _, e := range s.sessions {
			if e.conn != nil {
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

func (e *entry) info() Info {
	info := Info{
		SessionID: e.id,
		Bound:     e.conn != nil,
		Meta:      e.meta,
		BoundAt:   e.boundAt,
		LastSeen:  e.lastSeen,
		Pending:   len(e.pending),
	}
	if e.conn != nil {
		info.ConnID = e.conn.ID()
	}
	for _, set := range e.sinks {
		info.Sinks += len(set)
	}
	for topic := range e.topics {
		info.Topics = append(info.Topics, topic)
	}
	sort.Strings(info.Topics)
	return info
}
