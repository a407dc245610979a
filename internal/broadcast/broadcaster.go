// ABOUTME: Per-workflow fan-out of persisted transitions to observing sessions
// ABOUTME: Each workflow id owns a mutex-guarded group; groups never contend with each other

package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/khiwniti/pinn-enterprise-platform/internal/protocol"
	"github.com/khiwniti/pinn-enterprise-platform/internal/store"
	"github.com/khiwniti/pinn-enterprise-platform/internal/workflow"
)

// ErrSessionClosed is returned when subscribing a session that is not connected
var ErrSessionClosed = errors.New("session closed")

// Session is one observer connection as seen by the broadcaster.
type Session interface {
	ID() string
	// Send enqueues msg without blocking. An error means the transport is
	// unusable and the session should be pruned.
	Send(msg *protocol.Message) error
	// Ping sends a transport-level liveness ping.
	Ping() error
	LastActivity() time.Time
	Close() error
}

// RecordGetter is the read side of the workflow store.
type RecordGetter interface {
	Get(ctx context.Context, id string) (*workflow.Record, error)
}

// Options tunes a Broadcaster. Zero values pick defaults.
type Options struct {
	// HeartbeatTimeout prunes sessions idle for longer than this.
	HeartbeatTimeout time.Duration
	// SnapshotTimeout bounds the store read for a late-join snapshot.
	SnapshotTimeout time.Duration
	// ActiveWorkflows reports running workflows for system_status replies.
	ActiveWorkflows func() int
	Logger          *slog.Logger
	Now             func() time.Time
}

type conn struct {
	session     Session
	connectedAt time.Time

	mu        sync.Mutex
	workflows map[string]struct{}
	closed    bool
}

type member struct {
	conn *conn
	// delivered is the highest record version sent to this member.
	delivered int64
}

type group struct {
	id      string
	mu      sync.Mutex
	members map[string]*member
	// dead is set once the group is empty and removed from the registry.
	dead bool
}

// Broadcaster delivers workflow transitions to subscribed sessions.
//
// Lock order: group.mu may be held while taking conn.mu, never the reverse.
type Broadcaster struct {
	store    RecordGetter
	groups   sync.Map // workflow id -> *group
	sessions sync.Map // session id -> *conn

	timeout         time.Duration
	snapshotTimeout time.Duration
	activeWorkflows func() int
	logger          *slog.Logger
	now             func() time.Time

	wg        sync.WaitGroup
	cronMu    sync.Mutex
	scheduler *cron.Cron
}

// New creates a Broadcaster reading snapshots from st.
func New(st RecordGetter, opts Options) *Broadcaster {
	b := &Broadcaster{
		store:           st,
		timeout:         opts.HeartbeatTimeout,
		snapshotTimeout: opts.SnapshotTimeout,
		activeWorkflows: opts.ActiveWorkflows,
		logger:          opts.Logger,
		now:             opts.Now,
	}
	if b.timeout <= 0 {
		b.timeout = 90 * time.Second
	}
	if b.snapshotTimeout <= 0 {
		b.snapshotTimeout = 5 * time.Second
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With("component", "broadcast")
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Connect registers a session and greets it with connection_established.
func (b *Broadcaster) Connect(s Session) error {
	c := &conn{
		session:     s,
		connectedAt: b.now(),
		workflows:   make(map[string]struct{}),
	}
	if _, loaded := b.sessions.LoadOrStore(s.ID(), c); loaded {
		return errors.New("session already connected")
	}
	if err := s.Send(protocol.ConnectionEstablished(s.ID(), c.connectedAt)); err != nil {
		b.prune(s, "send failed on connect", err)
		return err
	}
	b.logger.Debug("session connected", "session_id", s.ID())
	return nil
}

// Subscribe adds s to the group for workflowID, confirms synchronously and
// then delivers the current record as a snapshot from the store.
func (b *Broadcaster) Subscribe(s Session, workflowID string) error {
	v, ok := b.sessions.Load(s.ID())
	if !ok {
		return ErrSessionClosed
	}
	c := v.(*conn)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	c.workflows[workflowID] = struct{}{}
	c.mu.Unlock()

	g := b.lockGroup(workflowID)
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		// Disconnect already ran and will not see this membership.
		b.retireIfEmpty(g)
		g.mu.Unlock()
		return ErrSessionClosed
	}
	if _, exists := g.members[s.ID()]; !exists {
		g.members[s.ID()] = &member{conn: c}
	}
	err := s.Send(protocol.SubscriptionConfirmed(workflowID, b.now()))
	if err != nil {
		delete(g.members, s.ID())
		b.retireIfEmpty(g)
	}
	g.mu.Unlock()

	if err != nil {
		b.prune(s, "send failed on subscribe", err)
		return err
	}

	b.wg.Add(1)
	go b.sendSnapshot(c, workflowID)
	return nil
}

// Unsubscribe removes s from the group for workflowID. It is idempotent.
func (b *Broadcaster) Unsubscribe(s Session, workflowID string) {
	if v, ok := b.sessions.Load(s.ID()); ok {
		c := v.(*conn)
		c.mu.Lock()
		delete(c.workflows, workflowID)
		c.mu.Unlock()
	}
	b.removeMember(workflowID, s.ID())
}

// Disconnect removes s from every group. It is idempotent and does not close s.
func (b *Broadcaster) Disconnect(s Session) {
	v, ok := b.sessions.LoadAndDelete(s.ID())
	if !ok {
		return
	}
	c := v.(*conn)

	c.mu.Lock()
	c.closed = true
	ids := make([]string, 0, len(c.workflows))
	for id := range c.workflows {
		ids = append(ids, id)
	}
	c.workflows = map[string]struct{}{}
	c.mu.Unlock()

	for _, id := range ids {
		b.removeMember(id, s.ID())
	}
	b.logger.Debug("session disconnected", "session_id", s.ID(), "subscriptions", len(ids))
}

// Publish delivers the transition that produced rec to every member of the
// group. A member whose send fails is pruned; other members are unaffected
// and no error reaches the caller.
func (b *Broadcaster) Publish(workflowID string, rec *workflow.Record) {
	msgs := protocol.TransitionMessages(rec)

	var failed []*member
	for {
		v, ok := b.groups.Load(workflowID)
		if !ok {
			return
		}
		g := v.(*group)
		g.mu.Lock()
		if g.dead {
			g.mu.Unlock()
			continue
		}
		for sid, m := range g.members {
			if rec.Version <= m.delivered {
				continue
			}
			if err := sendAll(m.conn.session, msgs); err != nil {
				delete(g.members, sid)
				failed = append(failed, m)
				b.logger.Warn("dropping session after failed send",
					"session_id", sid, "workflow_id", workflowID, "error", err)
				continue
			}
			m.delivered = rec.Version
		}
		b.retireIfEmpty(g)
		g.mu.Unlock()
		break
	}

	for _, m := range failed {
		b.prune(m.conn.session, "send failed during publish", nil)
	}
}

// RequestStatus replies to s with the current record for workflowID.
func (b *Broadcaster) RequestStatus(ctx context.Context, s Session, workflowID string) error {
	ctx, cancel := context.WithTimeout(ctx, b.snapshotTimeout)
	defer cancel()

	msg, _ := b.snapshotFor(ctx, workflowID)
	if err := s.Send(msg); err != nil {
		b.prune(s, "send failed on status request", err)
		return err
	}
	return nil
}

// SystemStatus replies to s with gateway activity counters.
func (b *Broadcaster) SystemStatus(s Session) error {
	if err := s.Send(protocol.SystemStatus(b.Stats(), b.now())); err != nil {
		b.prune(s, "send failed on system status", err)
		return err
	}
	return nil
}

// Stats counts connected sessions and live subscriptions.
func (b *Broadcaster) Stats() protocol.Stats {
	var st protocol.Stats
	b.sessions.Range(func(_, _ any) bool {
		st.ActiveSessions++
		return true
	})
	b.groups.Range(func(_, v any) bool {
		g := v.(*group)
		g.mu.Lock()
		st.Subscriptions += len(g.members)
		g.mu.Unlock()
		return true
	})
	if b.activeWorkflows != nil {
		st.ActiveWorkflows = b.activeWorkflows()
	}
	return st
}

// Subscribers returns the number of sessions observing workflowID.
func (b *Broadcaster) Subscribers(workflowID string) int {
	v, ok := b.groups.Load(workflowID)
	if !ok {
		return 0
	}
	g := v.(*group)
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Sweep prunes sessions idle past the heartbeat timeout and pings the rest.
func (b *Broadcaster) Sweep(now time.Time) {
	b.sessions.Range(func(_, v any) bool {
		c := v.(*conn)
		s := c.session
		if idle := now.Sub(s.LastActivity()); idle > b.timeout {
			b.prune(s, "heartbeat timeout", nil)
			return true
		}
		if err := s.Ping(); err != nil {
			b.prune(s, "ping failed", err)
		}
		return true
	})
}

// StartHeartbeat schedules Sweep every interval. cron resolution is one second.
func (b *Broadcaster) StartHeartbeat(interval time.Duration) {
	b.cronMu.Lock()
	defer b.cronMu.Unlock()
	if b.scheduler != nil {
		return
	}
	b.scheduler = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	b.scheduler.Schedule(cron.Every(interval), cron.FuncJob(func() {
		b.Sweep(b.now())
	}))
	b.scheduler.Start()
	b.logger.Info("heartbeat started", "interval", interval, "timeout", b.timeout)
}

// Close stops the heartbeat, closes every session and waits for pending snapshots.
func (b *Broadcaster) Close() {
	b.cronMu.Lock()
	if b.scheduler != nil {
		<-b.scheduler.Stop().Done()
		b.scheduler = nil
	}
	b.cronMu.Unlock()

	b.sessions.Range(func(_, v any) bool {
		b.prune(v.(*conn).session, "shutting down", nil)
		return true
	})
	b.wg.Wait()
}

func (b *Broadcaster) sendSnapshot(c *conn, workflowID string) {
	defer b.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), b.snapshotTimeout)
	defer cancel()
	msg, missing := b.snapshotFor(ctx, workflowID)

	sid := c.session.ID()
	v, ok := b.groups.Load(workflowID)
	if !ok {
		return
	}
	g := v.(*group)
	g.mu.Lock()
	m, ok := g.members[sid]
	if !ok || m.conn != c {
		g.mu.Unlock()
		return
	}
	if msg.Type != protocol.TypeError && msg.Payload.Version <= m.delivered {
		// a live publish already carried this state or newer
		g.mu.Unlock()
		return
	}
	err := c.session.Send(msg)
	switch {
	case err != nil:
		delete(g.members, sid)
		b.retireIfEmpty(g)
	case missing && m.delivered == 0:
		// nothing will ever be published for an id the store does not know
		delete(g.members, sid)
		b.retireIfEmpty(g)
		c.mu.Lock()
		delete(c.workflows, workflowID)
		c.mu.Unlock()
	case msg.Type != protocol.TypeError:
		m.delivered = msg.Payload.Version
	}
	g.mu.Unlock()

	if err != nil {
		b.prune(c.session, "send failed on snapshot", err)
	}
}

// snapshotFor reads the current record. missing reports an unknown id.
func (b *Broadcaster) snapshotFor(ctx context.Context, workflowID string) (msg *protocol.Message, missing bool) {
	rec, err := b.store.Get(ctx, workflowID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return protocol.Error(workflowID, "workflow not found", b.now()), true
	case err != nil:
		b.logger.Error("snapshot read failed", "workflow_id", workflowID, "error", err)
		return protocol.Error(workflowID, "workflow state temporarily unavailable", b.now()), false
	}
	return protocol.SnapshotMessage(rec), false
}

// lockGroup returns the live group for id with its mutex held.
func (b *Broadcaster) lockGroup(id string) *group {
	for {
		v, _ := b.groups.LoadOrStore(id, &group{id: id, members: make(map[string]*member)})
		g := v.(*group)
		g.mu.Lock()
		if !g.dead {
			return g
		}
		g.mu.Unlock()
	}
}

func (b *Broadcaster) removeMember(id, sid string) {
	v, ok := b.groups.Load(id)
	if !ok {
		return
	}
	g := v.(*group)
	g.mu.Lock()
	delete(g.members, sid)
	b.retireIfEmpty(g)
	g.mu.Unlock()
}

// retireIfEmpty must be called with g.mu held.
func (b *Broadcaster) retireIfEmpty(g *group) {
	if len(g.members) > 0 || g.dead {
		return
	}
	g.dead = true
	b.groups.CompareAndDelete(g.id, g)
}

func (b *Broadcaster) prune(s Session, reason string, err error) {
	b.Disconnect(s)
	if cerr := s.Close(); cerr != nil {
		b.logger.Debug("closing pruned session", "session_id", s.ID(), "error", cerr)
	}
	if err != nil {
		b.logger.Info("session pruned", "session_id", s.ID(), "reason", reason, "error", err)
	} else {
		b.logger.Info("session pruned", "session_id", s.ID(), "reason", reason)
	}
}

func sendAll(s Session, msgs []*protocol.Message) error {
	for _, m := range msgs {
		if err := s.Send(m); err != nil {
			return err
		}
	}
	return nil
}
