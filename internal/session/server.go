// Package session speaks the framed JSON protocol with connectors and
// observers over WebSocket, bridging them onto the sensor actors, the topic
// bus, and the attention tracker.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adiibanez/sensocto-sub012/internal/attention"
	"github.com/adiibanez/sensocto-sub012/internal/auth"
	"github.com/adiibanez/sensocto-sub012/internal/backpressure"
	"github.com/adiibanez/sensocto-sub012/internal/bus"
	"github.com/adiibanez/sensocto-sub012/internal/clock"
	"github.com/adiibanez/sensocto-sub012/internal/metrics"
	"github.com/adiibanez/sensocto-sub012/internal/sensor"
	"github.com/adiibanez/sensocto-sub012/internal/sysload"
	"github.com/adiibanez/sensocto-sub012/internal/vocab"
)

// Config sizes per-session queues and rate limits.
type Config struct {
	SendQueueSize int
	FrameRate     int // sustained frames per second per session
	FrameBurst    int
}

func (c Config) withDefaults() Config {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 200
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = 2 * c.FrameRate
	}
	return c
}

// Server owns every live session.
type Server struct {
	registry *sensor.Registry
	b        *bus.Bus
	tracker  *attention.Tracker
	monitor  *sysload.Monitor
	verifier auth.TokenVerifier
	voc      *vocab.Vocabulary
	clk      clock.Clock
	cfg      Config
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewServer wires the channel layer.
func NewServer(registry *sensor.Registry, b *bus.Bus, tracker *attention.Tracker, monitor *sysload.Monitor, verifier auth.TokenVerifier, voc *vocab.Vocabulary, clk clock.Clock, cfg Config, logger zerolog.Logger) *Server {
	return &Server{
		registry: registry,
		b:        b,
		tracker:  tracker,
		monitor:  monitor,
		verifier: verifier,
		voc:      voc,
		clk:      clk,
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*Session),
		logger:   logger.With().Str("component", "session_server").Logger(),
	}
}

// HandleWS upgrades the HTTP request and runs the session until disconnect.
// New connections are refused while system load is critical; existing sessions
// are left alone and throttled through their backpressure configs instead.
func (srv *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	if srv.monitor.Current().Level == sysload.LevelCritical {
		metrics.SessionsRejected.WithLabelValues("overloaded").Inc()
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		srv.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		metrics.SessionsRejected.WithLabelValues("upgrade_failed").Inc()
		return
	}

	s := srv.newSession(conn, r.RemoteAddr)
	go s.writePump()
	go s.readPump()
}

// newSession registers a fresh pending session for the connection.
func (srv *Server) newSession(conn net.Conn, remote string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      uuid.NewString(),
		conn:    conn,
		srv:     srv,
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan []byte, srv.cfg.SendQueueSize),
		limiter: rate.NewLimiter(rate.Limit(srv.cfg.FrameRate), srv.cfg.FrameBurst),
		feeds:   make(map[string]*dataFeed),
	}
	s.logger = srv.logger.With().Str("session_id", s.id).Str("remote", remote).Logger()

	srv.mu.Lock()
	srv.sessions[s.id] = s
	srv.mu.Unlock()

	metrics.SessionsTotal.Inc()
	metrics.SessionsActive.Inc()
	s.logger.Debug().Msg("Session opened")
	return s
}

// Shutdown closes every live session.
func (srv *Server) Shutdown() {
	srv.mu.Lock()
	sessions := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		sessions = append(sessions, s)
	}
	srv.mu.Unlock()
	for _, s := range sessions {
		s.conn.Close()
	}
}

// SessionCount reports live sessions, for the health endpoint.
func (srv *Server) SessionCount() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.sessions)
}

// teardown releases everything the session held. Called exactly once, from
// the read pump's exit path. The registry applies its own grace delay before
// actually terminating the actor, which is what coalesces reconnects.
func (s *Server) teardown(sess *Session) {
	sess.closeOnce.Do(func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()

		sess.cancel()
		if sess.dispatch != nil {
			sess.dispatch.Stop()
		}
		sess.removeAllFeeds()
		if sess.mode == modeObserver {
			s.tracker.RemoveObserver(sess.id)
		}
		if sess.mode == modeConnector && sess.sensorID != "" {
			s.registry.Release(sess.sensorID, sess.id)
		}
		sess.closeSend()

		metrics.SessionsActive.Dec()
		sess.logger.Debug().Str("sensor_id", sess.sensorID).Msg("Session closed")
	})
}

// route dispatches one inbound frame. Heartbeats are answered in any mode,
// joined or not, so idle clients keep their connection alive.
func (s *Server) route(sess *Session, f Frame) {
	if f.Event == EventHeartbeat {
		if sess.mode == modeObserver {
			s.tracker.Heartbeat(sess.id)
		}
		sess.enqueue(okReply(f.Topic, f.Ref, map[string]any{}))
		return
	}

	if sess.mode == modePending {
		if f.Event == EventJoin {
			s.handleJoin(sess, f)
		} else {
			sess.enqueue(errorReply(f.Topic, f.Ref, "not_joined"))
		}
		return
	}

	switch f.Event {
	case EventJoin:
		sess.enqueue(errorReply(f.Topic, f.Ref, "already_joined"))
	case EventLeave:
		sess.enqueue(okReply(f.Topic, f.Ref, map[string]any{}))
		sess.conn.Close()
	case EventPing:
		sess.enqueue(okReply(f.Topic, f.Ref, json.RawMessage(orEmptyObject(f.Payload))))
	default:
		switch sess.mode {
		case modeConnector:
			s.routeConnector(sess, f)
		case modeObserver:
			s.routeObserver(sess, f)
		}
	}
}

// handleJoin authenticates and binds the session to its topic.
func (s *Server) handleJoin(sess *Session, f Frame) {
	topic := f.Topic
	switch {
	case strings.HasPrefix(topic, "sensor:"):
		s.joinConnector(sess, f, strings.TrimPrefix(topic, "sensor:"))
	case strings.HasPrefix(topic, "connector:"):
		s.joinObserver(sess, f)
	default:
		sess.enqueue(errorReply(topic, f.Ref, "unknown_topic"))
	}
}

func (s *Server) joinConnector(sess *Session, f Frame, sensorID string) {
	var join joinPayload
	if err := json.Unmarshal(orEmptyObject(f.Payload), &join); err != nil {
		sess.enqueue(errorReply(f.Topic, f.Ref, "malformed_join"))
		return
	}
	subject, err := s.verifier.Verify(join.BearerToken)
	if err != nil {
		metrics.SessionsRejected.WithLabelValues("unauthorized").Inc()
		sess.logger.Warn().Str("sensor_id", sensorID).Msg("Join rejected: unauthorized")
		sess.enqueue(errorReply(f.Topic, f.Ref, "unauthorized"))
		sess.conn.Close()
		return
	}
	if sensorID == "" {
		sensorID = join.SensorID
	}
	if sensorID == "" {
		sess.enqueue(errorReply(f.Topic, f.Ref, "missing_sensor_id"))
		return
	}

	// Connectors that do not name themselves get a server-assigned id,
	// echoed in the join reply so the client can reuse it on reconnect.
	connectorID := join.ConnectorID
	if connectorID == "" {
		connectorID = clock.FreshID()
	}

	meta := sensor.Meta{
		SensorID:     sensorID,
		SensorName:   join.SensorName,
		SensorType:   join.SensorType,
		SamplingRate: join.SamplingRate,
	}
	for _, a := range join.Attributes {
		meta.Attributes = append(meta.Attributes, sensor.AttributeMeta{
			AttributeID: a.AttributeID,
			Metadata:    a.Metadata,
		})
	}

	actor, err := s.registry.LocateOrCreate(meta, sess.id)
	if err != nil {
		var poisoned *sensor.PoisonedError
		if errors.As(err, &poisoned) {
			metrics.SessionsRejected.WithLabelValues("actor_poisoned").Inc()
			sess.enqueue(errorReply(f.Topic, f.Ref, "actor_poisoned"))
		} else {
			sess.enqueue(errorReply(f.Topic, f.Ref, "join_failed"))
		}
		return
	}

	sess.mode = modeConnector
	sess.topic = f.Topic
	sess.sensorID = sensorID
	sess.subject = subject
	sess.actor = actor
	sess.logger = sess.logger.With().Str("sensor_id", sensorID).Logger()

	sess.enqueue(okReply(f.Topic, f.Ref, map[string]any{
		"session_id":   sess.id,
		"sensor_id":    sensorID,
		"connector_id": connectorID,
	}))

	// The dispatcher subscribes to attention:<sid> and system:load and sends
	// the first config unconditionally, right after the join reply.
	sess.dispatch = backpressure.NewDispatcher(sensorID, s.tracker, s.monitor, s.b, s.clk, sess.logger, sess.pushConfig)
	sess.dispatch.Start(sess.ctx)

	sess.logger.Info().Str("connector_id", connectorID).Msg("Connector joined")
}

func (s *Server) joinObserver(sess *Session, f Frame) {
	var join joinPayload
	if err := json.Unmarshal(orEmptyObject(f.Payload), &join); err != nil {
		sess.enqueue(errorReply(f.Topic, f.Ref, "malformed_join"))
		return
	}
	subject, err := s.verifier.Verify(join.BearerToken)
	if err != nil {
		metrics.SessionsRejected.WithLabelValues("unauthorized").Inc()
		sess.logger.Warn().Msg("Join rejected: unauthorized")
		sess.enqueue(errorReply(f.Topic, f.Ref, "unauthorized"))
		sess.conn.Close()
		return
	}

	sess.mode = modeObserver
	sess.topic = f.Topic
	sess.subject = subject

	sess.enqueue(okReply(f.Topic, f.Ref, map[string]any{"session_id": sess.id}))
	sess.logger.Info().Msg("Observer joined")
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
