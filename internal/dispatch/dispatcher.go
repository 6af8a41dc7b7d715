// Package dispatch routes relay requests to a live recipient session, the
// offline queue, or the cross-instance bus, and fans echoes out to the
// sender's other devices.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/cipherlink/relay/internal/envelope"
	"github.com/cipherlink/relay/internal/metrics"
	"github.com/cipherlink/relay/internal/presence"
	"github.com/cipherlink/relay/internal/pubsub"
	"github.com/cipherlink/relay/internal/queue"
	"github.com/cipherlink/relay/internal/ratelimit"
	"github.com/cipherlink/relay/internal/registry"
)

// Wire events the dispatcher emits to recipient sessions.
const (
	EventRelayPush  = "relay_push"
	EventMsgAckPush = "msg_ack_push"
	EventQueueFlush = "queue_flush"
)

// Status is the dispatch outcome reported back to the sender.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusQueued    Status = "queued"
	StatusDropped   Status = "dropped"
)

// AckPush is the payload of msg_ack_push events.
type AckPush struct {
	From  string `json:"from"`
	MsgID string `json:"msg_id"`
}

// PresenceStore is the presence view the dispatcher consults.
type PresenceStore interface {
	SetOnline(ctx context.Context, identity string, ref presence.Ref) error
	SetOffline(ctx context.Context, identity string) error
	IsOnline(ctx context.Context, identity string) (bool, error)
	Lookup(ctx context.Context, identity string) (presence.Ref, bool, error)
}

// QueueStore is the per-identity offline queue.
type QueueStore interface {
	Push(ctx context.Context, identity string, env envelope.Envelope) (queue.Status, error)
	Flush(ctx context.Context, identity string) ([]envelope.Envelope, int, error)
}

// Bus publishes cross-instance delivery events.
type Bus interface {
	Publish(ctx context.Context, identity string, msg pubsub.Message) error
}

type Config struct {
	InstanceID string
	Registry   *registry.Registry
	Presence   PresenceStore
	Queue      QueueStore
	Bus        Bus
	Limiter    *ratelimit.SessionBuckets
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// MaxPayloadSize bounds |payload| for relay requests, in bytes.
	MaxPayloadSize int
}

type Dispatcher struct {
	instanceID string
	reg        *registry.Registry
	presence   PresenceStore
	queue      QueueStore
	bus        Bus
	limiter    *ratelimit.SessionBuckets
	metrics    *metrics.Metrics
	log        *slog.Logger
	maxPayload int

	now func() time.Time
}

func New(cfg Config) *Dispatcher {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Dispatcher{
		instanceID: cfg.InstanceID,
		reg:        cfg.Registry,
		presence:   cfg.Presence,
		queue:      cfg.Queue,
		bus:        cfg.Bus,
		limiter:    cfg.Limiter,
		metrics:    m,
		log:        log,
		maxPayload: cfg.MaxPayloadSize,
		now:        time.Now,
	}
}

// Relay implements the delivery decision for one relay request. The returned
// status is what the sender sees in dispatch_status.
func (d *Dispatcher) Relay(ctx context.Context, fromSession, toIdentity, msgID string, payload envelope.Payload) (Status, error) {
	from, ok := d.reg.IdentityOf(fromSession)
	if !ok {
		return "", E(KindUnauthenticated, "session is not registered")
	}

	if d.limiter != nil && !d.limiter.Allow(fromSession) {
		d.metrics.Inc(metrics.RelayRateLimited)
		return "", E(KindRateLimited, "too many requests")
	}

	size := payload.Size()
	if d.maxPayload > 0 && size > d.maxPayload {
		d.metrics.Inc(metrics.RelayTooLarge)
		return "", E(KindTooLarge, "payload exceeds maximum size")
	}

	env := envelope.Envelope{
		MsgID:     msgID,
		From:      from,
		To:        toIdentity,
		Payload:   payload,
		Timestamp: d.now().UnixMilli(),
		Kind:      envelope.KindDirect,
	}

	status, err := d.deliver(ctx, env)
	if err != nil {
		return "", err
	}

	d.fanOutEcho(ctx, fromSession, env)

	// Metadata only; payload bytes are never logged.
	d.log.Info("relay",
		"sender", from,
		"recipient", toIdentity,
		"size", size,
		"status", string(status),
		"timestamp", env.Timestamp,
	)
	return status, nil
}

func (d *Dispatcher) deliver(ctx context.Context, env envelope.Envelope) (Status, error) {
	ref, found, err := d.presence.Lookup(ctx, env.To)
	if err != nil {
		return "", E(KindKVUnavailable, "presence lookup failed")
	}

	if !found {
		return d.pushToQueue(ctx, env)
	}

	if ref.Instance == d.instanceID {
		if d.emitLocal(env.To, ref.Session, EventRelayPush, env) {
			d.metrics.Inc(metrics.RelayDelivered)
			return StatusDelivered, nil
		}
		// Stale presence: the referenced session is gone. Fall back to the
		// queue rather than dropping.
		return d.pushToQueue(ctx, env)
	}

	err = d.bus.Publish(ctx, env.To, pubsub.Message{
		Kind:           pubsub.KindRelay,
		Origin:         d.instanceID,
		TargetInstance: ref.Instance,
		TargetSession:  ref.Session,
		Envelope:       &env,
	})
	if err != nil {
		return "", E(KindKVUnavailable, "cross-instance publish failed")
	}
	d.metrics.Inc(metrics.PubSubPublished)
	d.metrics.Inc(metrics.RelayDelivered)
	// Optimistic: the remote subscriber re-queues if the session is gone.
	return StatusDelivered, nil
}

func (d *Dispatcher) pushToQueue(ctx context.Context, env envelope.Envelope) (Status, error) {
	st, err := d.queue.Push(ctx, env.To, env)
	if err != nil {
		return "", E(KindKVUnavailable, "queue push failed")
	}
	if st == queue.StatusDropped {
		d.metrics.Inc(metrics.RelayDropped)
		return StatusDropped, nil
	}
	d.metrics.Inc(metrics.RelayQueued)
	return StatusQueued, nil
}

// fanOutEcho delivers an echo copy to the sender's other devices. Echoes are
// best-effort and never queued; the originating session is excluded.
func (d *Dispatcher) fanOutEcho(ctx context.Context, fromSession string, env envelope.Envelope) {
	echo := env.AsEcho()

	for sessionID, em := range d.reg.SessionsOf(env.From) {
		if sessionID == fromSession {
			continue
		}
		if err := em.Emit(EventRelayPush, echo); err != nil {
			d.log.Debug("echo emit failed", "session", sessionID, "err", err)
			continue
		}
		d.metrics.Inc(metrics.EchoesDelivered)
	}

	// Devices of the same identity may live on other instances; let their
	// subscribers deliver the echo there. Best-effort.
	err := d.bus.Publish(ctx, env.From, pubsub.Message{
		Kind:           pubsub.KindEcho,
		Origin:         d.instanceID,
		ExcludeSession: fromSession,
		Envelope:       &echo,
	})
	if err != nil {
		d.log.Debug("echo publish failed", "identity", env.From, "err", err)
	}
}

// Ack forwards a delivery acknowledgement to the original sender's session.
// ACKs are best-effort: no queueing, no retries.
func (d *Dispatcher) Ack(ctx context.Context, fromSession, toIdentity, msgID string) error {
	from, ok := d.reg.IdentityOf(fromSession)
	if !ok {
		return E(KindUnauthenticated, "session is not registered")
	}

	// ACKs draw from the same per-session budget as relays.
	if d.limiter != nil && !d.limiter.Allow(fromSession) {
		d.metrics.Inc(metrics.RelayRateLimited)
		return E(KindRateLimited, "too many requests")
	}

	ack := AckPush{From: from, MsgID: msgID}

	ref, found, err := d.presence.Lookup(ctx, toIdentity)
	if err != nil {
		return E(KindKVUnavailable, "presence lookup failed")
	}
	if !found {
		return nil
	}

	if ref.Instance == d.instanceID {
		if d.emitLocal(toIdentity, ref.Session, EventMsgAckPush, ack) {
			d.metrics.Inc(metrics.AcksForwarded)
		}
		return nil
	}

	err = d.bus.Publish(ctx, toIdentity, pubsub.Message{
		Kind:           pubsub.KindAck,
		Origin:         d.instanceID,
		TargetInstance: ref.Instance,
		TargetSession:  ref.Session,
		Ack:            &pubsub.Ack{From: from, MsgID: msgID},
	})
	if err != nil {
		d.log.Debug("ack publish failed", "identity", toIdentity, "err", err)
		return nil
	}
	d.metrics.Inc(metrics.AcksForwarded)
	return nil
}

// HandleRegister completes a registration: presence goes online pointing at
// this session, then any queued envelopes are flushed to it in FIFO order as
// a single queue_flush batch.
func (d *Dispatcher) HandleRegister(ctx context.Context, sessionID, identity string) error {
	ref := presence.Ref{Instance: d.instanceID, Session: sessionID}
	if err := d.presence.SetOnline(ctx, identity, ref); err != nil {
		return E(KindKVUnavailable, "presence update failed")
	}

	envs, expired, err := d.queue.Flush(ctx, identity)
	if err != nil {
		// Registration already succeeded; the queue stays intact for the next
		// flush attempt.
		d.log.Warn("queue flush failed on register", "identity", identity, "err", err)
		return nil
	}
	if expired > 0 {
		d.metrics.Add(metrics.QueueExpiredOnRead, uint64(expired))
	}
	if len(envs) == 0 {
		return nil
	}

	// Flush goes only to the newly-registered session, not the whole
	// device group.
	if d.emitLocal(identity, sessionID, EventQueueFlush, envs) {
		d.metrics.Add(metrics.QueueFlushed, uint64(len(envs)))
	}
	return nil
}

// HandleDisconnect releases per-session state. Presence goes offline only
// when the identity has no sessions left on this instance; otherwise the
// record is re-pointed at a surviving session.
func (d *Dispatcher) HandleDisconnect(ctx context.Context, sessionID string) {
	if d.limiter != nil {
		d.limiter.Remove(sessionID)
	}

	identity, ok := d.reg.Unbind(sessionID)
	if !ok {
		return
	}

	remaining := d.reg.SessionsOf(identity)
	if len(remaining) == 0 {
		if err := d.presence.SetOffline(ctx, identity); err != nil {
			d.log.Warn("presence set_offline failed", "identity", identity, "err", err)
		}
		return
	}

	for survivorID := range remaining {
		ref := presence.Ref{Instance: d.instanceID, Session: survivorID}
		if err := d.presence.SetOnline(ctx, identity, ref); err != nil {
			d.log.Warn("presence re-point failed", "identity", identity, "err", err)
		}
		break
	}
}

// HandleBusMessage consumes one pub/sub event. Events published by this
// instance are skipped; their local delivery already happened inline.
func (d *Dispatcher) HandleBusMessage(identity string, msg pubsub.Message) {
	if msg.Origin == d.instanceID {
		return
	}
	ctx := context.Background()

	switch msg.Kind {
	case pubsub.KindRelay:
		if msg.Envelope == nil {
			return
		}
		if d.emitLocal(identity, msg.TargetSession, EventRelayPush, *msg.Envelope) {
			d.metrics.Inc(metrics.RelayDelivered)
			return
		}
		// Only the instance the publisher targeted closes the presence race by
		// re-queueing; a bystander missing a local session is the normal case.
		if msg.TargetInstance != d.instanceID {
			return
		}
		if _, err := d.queue.Push(ctx, identity, *msg.Envelope); err != nil {
			d.log.Warn("requeue after missed delivery failed", "identity", identity, "err", err)
			return
		}
		d.metrics.Inc(metrics.PubSubRequeued)

	case pubsub.KindEcho:
		if msg.Envelope == nil || !d.reg.HasIdentity(identity) {
			return
		}
		for sessionID, em := range d.reg.SessionsOf(identity) {
			if sessionID == msg.ExcludeSession {
				continue
			}
			if err := em.Emit(EventRelayPush, *msg.Envelope); err == nil {
				d.metrics.Inc(metrics.EchoesDelivered)
			}
		}

	case pubsub.KindAck:
		if msg.Ack == nil || !d.reg.HasIdentity(identity) {
			return
		}
		ack := AckPush{From: msg.Ack.From, MsgID: msg.Ack.MsgID}
		if d.emitLocal(identity, msg.TargetSession, EventMsgAckPush, ack) {
			d.metrics.Inc(metrics.AcksForwarded)
		}
	}
}

// emitLocal emits to the hinted session when it is still bound to the
// identity, falling back to any other local session of that identity.
func (d *Dispatcher) emitLocal(identity, hintSession, event string, data any) bool {
	if hintSession != "" {
		if id, ok := d.reg.IdentityOf(hintSession); ok && id == identity {
			if em, ok := d.reg.EmitterOf(hintSession); ok {
				if err := em.Emit(event, data); err == nil {
					return true
				}
			}
		}
	}
	for sessionID, em := range d.reg.SessionsOf(identity) {
		if sessionID == hintSession {
			continue
		}
		if err := em.Emit(event, data); err == nil {
			return true
		}
	}
	return false
}

// IsOnline answers get_presence queries.
func (d *Dispatcher) IsOnline(ctx context.Context, identity string) (bool, error) {
	online, err := d.presence.IsOnline(ctx, identity)
	if err != nil {
		return false, E(KindKVUnavailable, "presence query failed")
	}
	return online, nil
}
