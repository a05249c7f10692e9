package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/banshee-data/gatetimer/internal/clock"
	"github.com/banshee-data/gatetimer/internal/eventbus"
)

// forwardedEvents are published to secondaries as cluster_event_trigger
// frames. STARTUP and LED_SET_MANUAL stay local per protocol.
var forwardedEvents = []eventbus.Event{
	eventbus.RaceSchedule,
	eventbus.RaceScheduleCancel,
	eventbus.RaceStage,
	eventbus.RaceStart,
	eventbus.RaceFinish,
	eventbus.RaceStop,
	eventbus.LapsDiscard,
	eventbus.LapsClear,
	eventbus.HeatSet,
	eventbus.FrequencySet,
	eventbus.LEDManual,
	eventbus.LEDBrightnessSet,
	eventbus.TimeOffsetSet,
	eventbus.MessageUI,
}

// ackedTypes lists the forwarded events a secondary must acknowledge. The
// race sequencing events drive the secondary's own state machine, so their
// delivery is retried until acked.
var ackedEvents = map[eventbus.Event]bool{
	eventbus.RaceStage: true,
	eventbus.RaceStart: true,
	eventbus.RaceStop:  true,
}

const (
	checkInterval  = 15 * time.Second
	ackTimeout     = 2 * time.Second
	maxSendRetries = 3
	sendQueueDepth = 64
)

// queuedMsg is one outbound message with its delivery requirement.
type queuedMsg struct {
	env      Envelope
	needsAck bool
	ackKey   string // evt_name for event triggers
}

// SecondaryTimer is the primary's handle on one connected secondary. Its
// outbound queue is strictly ordered; an ack-required message blocks the
// queue until acknowledged or abandoned after retries.
type SecondaryTimer struct {
	ID   int
	Addr string
	Mode Mode

	clk  clock.Clock
	conn msgConn
	bus  *eventbus.Bus

	queue chan queuedMsg
	acks  chan AckPayload

	mu        sync.Mutex
	lastUnack *queuedMsg
	latencyMs float64
}

// Coordinator is the primary's side of the cluster: it forwards selected
// events to every secondary and probes their liveness.
type Coordinator struct {
	clk clock.Clock
	src *clock.Source
	bus *eventbus.Bus

	info map[string]any

	mu          sync.Mutex
	secondaries []*SecondaryTimer
	nextID      int
}

// NewCoordinator creates a Coordinator advertising serverInfo to joiners.
func NewCoordinator(clk clock.Clock, src *clock.Source, bus *eventbus.Bus, serverInfo map[string]any) *Coordinator {
	return &Coordinator{clk: clk, src: src, bus: bus, info: serverInfo}
}

// Start subscribes the forwarded event set. Per-secondary loops start as
// secondaries connect.
func (co *Coordinator) Start(ctx context.Context) {
	for _, evt := range forwardedEvents {
		evt := evt
		co.bus.Subscribe(evt, "cluster-forward", func(data eventbus.Data) {
			co.broadcast(ctx, evt, data)
		})
	}
}

func (co *Coordinator) broadcast(ctx context.Context, evt eventbus.Event, data eventbus.Data) {
	args := map[string]any(data)
	if args == nil {
		args = map[string]any{}
	}
	env, err := envelope(TypeEventTrigger, EventTriggerPayload{EvtName: string(evt), EvtArgs: args})
	if err != nil {
		log.Printf("cluster: %v", err)
		return
	}
	msg := queuedMsg{env: env, needsAck: ackedEvents[evt], ackKey: string(evt)}

	co.mu.Lock()
	secondaries := append([]*SecondaryTimer(nil), co.secondaries...)
	co.mu.Unlock()
	for _, s := range secondaries {
		s.enqueue(msg)
	}
}

// Secondaries returns the connected secondary handles.
func (co *Coordinator) Secondaries() []*SecondaryTimer {
	co.mu.Lock()
	defer co.mu.Unlock()
	return append([]*SecondaryTimer(nil), co.secondaries...)
}

// RetrySecondary re-sends the named secondary's last unacknowledged message.
func (co *Coordinator) RetrySecondary(id int) error {
	co.mu.Lock()
	defer co.mu.Unlock()
	for _, s := range co.secondaries {
		if s.ID == id {
			s.retryLast()
			return nil
		}
	}
	return fmt.Errorf("no secondary with id %d", id)
}

// Handler accepts secondary join connections over websocket.
func (co *Coordinator) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			log.Printf("cluster: accept: %v", err)
			return
		}
		co.serve(r.Context(), &wsConn{c: c}, r.RemoteAddr)
	})
}

func (co *Coordinator) serve(ctx context.Context, conn msgConn, addr string) {
	env, err := conn.ReadMsg(ctx)
	if err != nil || (env.Type != TypeJoin && env.Type != TypeJoinLegacy) {
		log.Printf("cluster: %s: expected %s, got %q (%v)", addr, TypeJoin, env.Type, err)
		conn.Close()
		return
	}
	var join JoinPayload
	if env.Type == TypeJoin {
		if err := json.Unmarshal(env.Payload, &join); err != nil {
			log.Printf("cluster: %s: bad join payload: %v", addr, err)
			conn.Close()
			return
		}
	}
	if join.Mode != ModeSplit && join.Mode != ModeMirror {
		join.Mode = ModeSplit
	}

	resp, err := envelope(TypeJoinResponse, JoinResponsePayload{
		ServerInfo:     co.info,
		ProgStartEpoch: co.src.ToEpochMillis(0),
		ProgStartTime:  co.src.Monotonic(),
	})
	if err == nil {
		err = conn.WriteMsg(ctx, resp)
	}
	if err != nil {
		log.Printf("cluster: %s: join response: %v", addr, err)
		conn.Close()
		return
	}

	co.mu.Lock()
	co.nextID++
	s := &SecondaryTimer{
		ID:    co.nextID,
		Addr:  addr,
		Mode:  join.Mode,
		clk:   co.clk,
		conn:  conn,
		bus:   co.bus,
		queue: make(chan queuedMsg, sendQueueDepth),
		acks:  make(chan AckPayload, 8),
	}
	co.secondaries = append(co.secondaries, s)
	co.mu.Unlock()

	log.Printf("cluster: secondary %d joined from %s in %s mode", s.ID, addr, join.Mode)
	co.bus.Publish(eventbus.ClusterJoin, eventbus.Data{"id": s.ID, "mode": string(join.Mode), "addr": addr})

	go s.sendLoop(ctx)
	go s.checkLoop(ctx)
	s.readLoop(ctx) // returns when the secondary disconnects

	co.mu.Lock()
	for i, cur := range co.secondaries {
		if cur == s {
			co.secondaries = append(co.secondaries[:i], co.secondaries[i+1:]...)
			break
		}
	}
	co.mu.Unlock()
	log.Printf("cluster: secondary %d (%s) disconnected", s.ID, addr)
}

func (s *SecondaryTimer) enqueue(msg queuedMsg) {
	select {
	case s.queue <- msg:
	default:
		log.Printf("cluster: secondary %d queue full, dropping %s", s.ID, msg.env.Type)
	}
}

// sendLoop delivers queued messages in order. An ack-required message is
// retried with growing timeouts; after maxSendRetries it is abandoned and
// left for an explicit retry_secondary.
func (s *SecondaryTimer) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			if err := s.deliver(ctx, msg); err != nil {
				log.Printf("cluster: secondary %d: %v", s.ID, err)
			}
		}
	}
}

func (s *SecondaryTimer) deliver(ctx context.Context, msg queuedMsg) error {
	for attempt := 1; ; attempt++ {
		if err := s.conn.WriteMsg(ctx, msg.env); err != nil {
			return fmt.Errorf("failed to send %s: %w", msg.env.Type, err)
		}
		if !msg.needsAck {
			return nil
		}
		if s.awaitAck(ctx, msg, time.Duration(attempt)*ackTimeout) {
			s.mu.Lock()
			s.lastUnack = nil
			s.mu.Unlock()
			return nil
		}
		if attempt >= maxSendRetries {
			s.mu.Lock()
			m := msg
			s.lastUnack = &m
			s.mu.Unlock()
			return fmt.Errorf("%s unacknowledged after %d attempts", msg.ackKey, attempt)
		}
	}
}

func (s *SecondaryTimer) awaitAck(ctx context.Context, msg queuedMsg, timeout time.Duration) bool {
	t := s.clk.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C():
			return false
		case ack := <-s.acks:
			if ack.MessageType == msg.env.Type && ack.MessagePayload == msg.ackKey {
				return true
			}
			// stale ack from an earlier abandoned message; keep waiting
		}
	}
}

func (s *SecondaryTimer) retryLast() {
	s.mu.Lock()
	msg := s.lastUnack
	s.lastUnack = nil
	s.mu.Unlock()
	if msg != nil {
		s.enqueue(*msg)
	}
}

// checkLoop probes the secondary and logs round-trip latency.
func (s *SecondaryTimer) checkLoop(ctx context.Context) {
	ticker := s.clk.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			env, err := envelope(TypeCheckQuery, CheckPayload{Timestamp: s.clk.Monotonic()})
			if err == nil {
				s.enqueue(queuedMsg{env: env})
			}
		}
	}
}

// readLoop routes inbound messages until the connection drops.
func (s *SecondaryTimer) readLoop(ctx context.Context) {
	for {
		env, err := s.conn.ReadMsg(ctx)
		if err != nil {
			s.conn.Close()
			return
		}
		switch env.Type {
		case TypeCheckResponse:
			var check CheckPayload
			if err := json.Unmarshal(env.Payload, &check); err == nil {
				latency := (s.clk.Monotonic() - check.Timestamp) * 1000
				s.mu.Lock()
				s.latencyMs = latency
				s.mu.Unlock()
				log.Printf("cluster: secondary %d round trip %.1f ms", s.ID, latency)
			}
		case TypeAck:
			var ack AckPayload
			if err := json.Unmarshal(env.Payload, &ack); err == nil {
				select {
				case s.acks <- ack:
				default:
				}
			}
		case TypePassRecord:
			var p PassRecordPayload
			if err := json.Unmarshal(env.Payload, &p); err == nil {
				// advisory only; surfaced for operator displays
				s.bus.Publish(eventbus.MessageUI, eventbus.Data{
					"message": fmt.Sprintf("secondary %d pass: node %d at %.0f ms", s.ID, p.Node, p.LapTimeStamp),
				})
			}
		default:
			log.Printf("cluster: secondary %d sent unexpected %q", s.ID, env.Type)
		}
	}
}

// LatencyMs returns the last measured round-trip latency.
func (s *SecondaryTimer) LatencyMs() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latencyMs
}
