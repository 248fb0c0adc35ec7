package hub

import (
	"encoding/json"
	"log/slog"
	"time"

	v1 "github.com/hgosansn/Deskling/shared/contracts/ipc/v1"
)

// Router dispatches validated envelopes from authenticated senders.
//
// Topic handling is a closed set: hb.ping is answered locally,
// to=broadcast fans out, everything else is unicast by destination
// name. Forwarded frames are the sender's original bytes; the hub only
// constructs envelopes it originates itself.
type Router struct {
	log *slog.Logger
	reg *Registry
}

// NewRouter constructs a Router over the given registry.
func NewRouter(log *slog.Logger, reg *Registry) *Router {
	return &Router{log: log, reg: reg}
}

// Route handles one validated envelope. raw is the exact frame as
// received; it is what gets forwarded. Route never blocks on a slow
// peer: full queues drop (broadcast) or report ERR_BACKPRESSURE to the
// sender (unicast).
func (rt *Router) Route(sender *Session, env v1.Envelope, raw []byte) {
	if env.Topic == v1.TopicPing {
		rt.handlePing(sender, env)
		return
	}

	if env.To == v1.PeerBroadcast {
		rt.broadcast(sender, env, raw)
		return
	}

	target, ok := rt.reg.Lookup(env.To)
	if !ok {
		rt.log.Warn("route.unknown_destination", "from", sender.Name, "to", env.To, "topic", env.Topic, "trace_id", env.TraceID)
		rt.SendError(sender, env.TraceID, &env.ID,
			v1.NewProtocolError(v1.CodeUnknownDestination, "unknown destination service: %s", env.To))
		return
	}

	if !target.Enqueue(raw) {
		rt.log.Warn("route.backpressure", "from", sender.Name, "to", env.To, "topic", env.Topic, "trace_id", env.TraceID)
		metricFramesDropped.WithLabelValues("backpressure").Inc()
		rt.SendError(sender, env.TraceID, &env.ID,
			v1.NewProtocolError(v1.CodeBackpressure, "destination %s cannot keep up", env.To))
		return
	}

	metricFramesRouted.WithLabelValues("unicast").Inc()
	rt.log.Debug("route.unicast", "from", sender.Name, "to", env.To, "topic", env.Topic, "trace_id", env.TraceID)
}

// handlePing answers hb.ping on the sender's own connection with the
// trace id preserved and reply_to set to the ping id.
func (rt *Router) handlePing(sender *Session, env v1.Envelope) {
	pong, err := NewHubEnvelope(sender.Name, v1.TopicPong, env.TraceID, &env.ID, struct{}{})
	if err != nil {
		rt.log.Error("route.pong.encode", "err", err, "trace_id", env.TraceID)
		return
	}
	if !sender.Enqueue(pong) {
		metricFramesDropped.WithLabelValues("backpressure").Inc()
		return
	}
	metricFramesRouted.WithLabelValues("hub").Inc()
}

// broadcast forwards the original frame to every other registered
// session. Best-effort: a full or closing peer is skipped, never
// aborting delivery to the rest.
func (rt *Router) broadcast(sender *Session, env v1.Envelope, raw []byte) {
	delivered := 0
	for _, target := range rt.reg.Snapshot() {
		if target.Name == sender.Name {
			continue
		}
		if !target.Enqueue(raw) {
			rt.log.Warn("route.broadcast.drop", "from", sender.Name, "peer", target.Name, "topic", env.Topic, "trace_id", env.TraceID)
			metricFramesDropped.WithLabelValues("backpressure").Inc()
			continue
		}
		delivered++
		metricFramesRouted.WithLabelValues("broadcast").Inc()
	}
	rt.log.Debug("route.broadcast", "from", sender.Name, "topic", env.Topic, "delivered", delivered, "trace_id", env.TraceID)
}

// SendError enqueues an ipc.error for the session, preserving the
// inbound trace id. The session stays open; closing is the caller's
// decision.
func (rt *Router) SendError(sess *Session, traceID string, replyTo *string, pe *v1.ProtocolError) {
	metricProtocolErrors.WithLabelValues(pe.Code).Inc()

	frame, err := NewHubEnvelope(sess.Name, v1.TopicIPCError, traceID, replyTo, pe.Payload())
	if err != nil {
		rt.log.Error("route.error.encode", "err", err, "trace_id", traceID)
		return
	}
	if !sess.Enqueue(frame) {
		metricFramesDropped.WithLabelValues("backpressure").Inc()
	}
}

// NewHubEnvelope builds an encoded hub-originated envelope: fresh id,
// current ts, from=ipc-hub, trace id carried through unchanged.
func NewHubEnvelope(to, topic, traceID string, replyTo *string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	env := v1.Envelope{
		V:       v1.Version,
		ID:      NewEnvelopeID(now),
		TS:      v1.Timestamp(now),
		From:    v1.PeerHub,
		To:      to,
		Topic:   topic,
		ReplyTo: replyTo,
		TraceID: traceID,
		Payload: body,
	}
	return env.Encode()
}
