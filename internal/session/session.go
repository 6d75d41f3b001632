package session

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adiibanez/sensocto-sub012/internal/auth"
	"github.com/adiibanez/sensocto-sub012/internal/backpressure"
	"github.com/adiibanez/sensocto-sub012/internal/bus"
	"github.com/adiibanez/sensocto-sub012/internal/sensor"
)

const (
	// writeWait bounds a single write to the peer.
	writeWait = 5 * time.Second
	// pongWait is how long we tolerate a silent peer.
	pongWait = 30 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// actorCallTimeout bounds inbox sends and replies for one frame.
	actorCallTimeout = 5 * time.Second
)

type sessionMode int

const (
	modePending sessionMode = iota
	modeConnector
	modeObserver
)

// dataFeed is one observer subscription pair: measurements plus registry
// shape changes for a sensor.
type dataFeed struct {
	data   *bus.Subscription
	signal *bus.Subscription
	stop   chan struct{}
}

// Session is one WebSocket peer, either a connector pushing measurements or
// an observer consuming streams and reporting attention.
type Session struct {
	id   string
	conn net.Conn
	srv  *Server

	ctx    context.Context
	cancel context.CancelFunc

	// Outbound frames. Writers must hold sendMu and check closed; the same
	// try-send discipline the bus uses.
	send    chan []byte
	sendMu  sync.RWMutex
	closed  atomic.Bool
	dropped int64

	limiter *rate.Limiter

	mode     sessionMode
	topic    string
	sensorID string
	subject  auth.Subject
	actor    *sensor.Actor
	dispatch *backpressure.Dispatcher

	feedMu sync.Mutex
	feeds  map[string]*dataFeed

	closeOnce sync.Once
	logger    zerolog.Logger
}

// enqueue hands a frame to the write pump without blocking. A full queue
// means a slow peer; the frame is dropped and counted.
func (s *Session) enqueue(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		s.logger.Error().Err(err).Str("event", f.Event).Msg("Failed to encode frame")
		return
	}
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		return
	}
	select {
	case s.send <- data:
	default:
		n := atomic.AddInt64(&s.dropped, 1)
		if n == 1 || n%100 == 0 {
			s.logger.Warn().Int64("dropped", n).Str("event", f.Event).Msg("Send queue full, dropping frame")
		}
	}
}

// closeSend makes further enqueues no-ops and lets the write pump drain out.
func (s *Session) closeSend() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.send)
	}
}

// readPump owns the connection's read side and drives frame routing.
func (s *Session) readPump() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Session read pump crashed")
		}
		s.srv.teardown(s)
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			if !s.limiter.Allow() {
				s.logger.Warn().Msg("Session rate limited")
				s.enqueue(errorReply(s.topic, nil, "rate_limited"))
				continue
			}
			var f Frame
			if err := json.Unmarshal(msg, &f); err != nil {
				s.logger.Debug().Err(err).Msg("Unparseable frame")
				continue
			}
			s.srv.route(s, f)
		case ws.OpClose:
			return
		}
	}
}

// writePump owns the connection's write side: queued frames plus keepalive
// pings. Batches queue drains through one buffered writer to cut syscalls.
func (s *Session) writePump() {
	writer := bufio.NewWriter(s.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			if !ok {
				wsutil.WriteServerMessage(s.conn, ws.OpClose, []byte{})
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to write frame")
				return
			}
			n := len(s.send)
			for i := 0; i < n; i++ {
				message, ok = <-s.send
				if !ok {
					break
				}
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					s.logger.Debug().Err(err).Msg("Failed to write frame")
					return
				}
			}
			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to flush writer")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(s.conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to send ping")
				return
			}
		}
	}
}

// addFeed subscribes the observer to a sensor's data and signal topics and
// forwards events as frames.
func (s *Session) addFeed(sensorID string) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if _, ok := s.feeds[sensorID]; ok {
		return
	}
	feed := &dataFeed{
		data:   s.srv.b.Subscribe(bus.DataTopic(sensorID)),
		signal: s.srv.b.Subscribe(bus.SignalTopic(sensorID)),
		stop:   make(chan struct{}),
	}
	s.feeds[sensorID] = feed
	go s.forwardFeed(sensorID, feed)
}

// removeFeed drops one sensor's feed. Idempotent.
func (s *Session) removeFeed(sensorID string) {
	s.feedMu.Lock()
	feed, ok := s.feeds[sensorID]
	if ok {
		delete(s.feeds, sensorID)
	}
	s.feedMu.Unlock()
	if !ok {
		return
	}
	close(feed.stop)
	s.srv.b.Unsubscribe(feed.data)
	s.srv.b.Unsubscribe(feed.signal)
}

func (s *Session) removeAllFeeds() {
	s.feedMu.Lock()
	feeds := s.feeds
	s.feeds = make(map[string]*dataFeed)
	s.feedMu.Unlock()
	for _, feed := range feeds {
		close(feed.stop)
		s.srv.b.Unsubscribe(feed.data)
		s.srv.b.Unsubscribe(feed.signal)
	}
}

func (s *Session) forwardFeed(sensorID string, feed *dataFeed) {
	topic := bus.DataTopic(sensorID)
	for {
		select {
		case ev, ok := <-feed.data.C():
			if !ok {
				return
			}
			switch ev.Kind {
			case bus.KindMeasurement:
				s.forwardPayload(topic, EventMeasurement, ev.Payload)
			case bus.KindMeasurementBatch:
				s.forwardPayload(topic, EventMeasurementBatch, ev.Payload)
			}
		case ev, ok := <-feed.signal.C():
			if !ok {
				return
			}
			if ev.Kind == bus.KindNewState {
				s.forwardPayload(bus.SignalTopic(sensorID), EventNewState, ev.Payload)
			}
		case <-feed.stop:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) forwardPayload(topic, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("Failed to encode feed payload")
		return
	}
	s.enqueue(Frame{Topic: topic, Event: event, Payload: raw})
}

// pushConfig is the dispatcher sink: backpressure configs ride the same send
// queue as everything else.
func (s *Session) pushConfig(cfg backpressure.Config) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode backpressure config")
		return
	}
	s.enqueue(Frame{Topic: s.topic, Event: EventBackpressureConfig, Payload: raw})
}
