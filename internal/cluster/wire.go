// Package cluster links timers into a primary/secondary arrangement over a
// websocket message channel. A split secondary runs its own races off the
// primary's start gun; a mirror secondary follows the primary's race status
// for trackside displays. Message names are wire-stable.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Mode selects the secondary role.
type Mode string

const (
	ModeSplit  Mode = "split"
	ModeMirror Mode = "mirror"
)

// Wire message types.
const (
	TypeCheckQuery    = "check_secondary_query"
	TypeCheckResponse = "check_secondary_response"
	TypeJoin          = "join_cluster_ex"
	TypeJoinLegacy    = "join_cluster" // pre-mode secondaries, treated as split
	TypeJoinResponse  = "join_cluster_response"
	TypeEventTrigger  = "cluster_event_trigger"
	TypeAck           = "cluster_message_ack"
	TypePassRecord    = "pass_record"
)

// Envelope frames every cluster message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CheckPayload carries the liveness probe timestamp, echoed back by the
// secondary so the primary can log round-trip latency.
type CheckPayload struct {
	Timestamp float64 `json:"timestamp"`
}

// JoinPayload is the secondary's join request.
type JoinPayload struct {
	Mode Mode `json:"mode"`
}

// JoinResponsePayload describes the primary to a joining secondary.
type JoinResponsePayload struct {
	ServerInfo     map[string]any `json:"server_info"`
	ProgStartEpoch float64        `json:"prog_start_epoch"`
	ProgStartTime  float64        `json:"prog_start_time"`
}

// EventTriggerPayload forwards a server event.
type EventTriggerPayload struct {
	EvtName string         `json:"evt_name"`
	EvtArgs map[string]any `json:"evt_args"`
}

// AckPayload acknowledges one forwarded message.
type AckPayload struct {
	MessageType    string `json:"messageType"`
	MessagePayload string `json:"messagePayload"`
}

// PassRecordPayload is an advisory pass from a split secondary.
type PassRecordPayload struct {
	Node         int     `json:"node"`
	LapTimeStamp float64 `json:"lap_time_stamp"`
	RSSI         int     `json:"rssi"`
}

func envelope(msgType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// msgConn is the bidirectional message channel. The websocket implementation
// is the production one; tests substitute channel-backed fakes.
type msgConn interface {
	WriteMsg(ctx context.Context, env Envelope) error
	ReadMsg(ctx context.Context) (Envelope, error)
	Close() error
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) WriteMsg(ctx context.Context, env Envelope) error {
	return wsjson.Write(ctx, w.c, env)
}

func (w *wsConn) ReadMsg(ctx context.Context) (Envelope, error) {
	var env Envelope
	err := wsjson.Read(ctx, w.c, &env)
	return env, err
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "bye")
}

// Dial opens the cluster channel to addr.
func Dial(ctx context.Context, addr string) (msgConn, error) {
	c, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial cluster peer %s: %w", addr, err)
	}
	return &wsConn{c: c}, nil
}
