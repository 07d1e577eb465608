package delivery

import (
	"encoding/json"
	"strconv"

	"barstream/internal/model"
)

// Mode tags how a broadcast bar was produced.
type Mode string

const (
	ModeLive     Mode = "live"
	ModeReplay   Mode = "replay"
	ModeBackfill Mode = "backfill"
)

// ClientMessage is the client -> server frame.
type ClientMessage struct {
	Action    string `json:"action"` // "subscribe" | "unsubscribe" | "ping"
	Symbol    string `json:"symbol,omitempty"`
	Timeframe int64  `json:"timeframe,omitempty"`

	// FromSequence requests catch-up from a prior sequence number on
	// subscribe. Absent means no catch-up.
	FromSequence *int64 `json:"from_sequence,omitempty"`
}

// barData is the bar payload inside a broadcast envelope. Confirmed
// bars carry their content hash; forming bars omit it.
type barData struct {
	model.Bar
	Hash string `json:"bar_hash,omitempty"`
}

// barEnvelope is the sequenced server -> client broadcast frame. Type
// is the bar state name (FORMING, CONFIRMED, HISTORICAL).
type barEnvelope struct {
	Type      string          `json:"type"`
	Sequence  int64           `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
	Mode      Mode            `json:"mode"`
	Data      json.RawMessage `json:"data"`
}

func encodeBarEnvelope(b model.Bar, seq, nowMS int64, mode Mode) []byte {
	d := barData{Bar: b}
	if b.State != model.StateForming {
		d.Hash = b.Hash()
	}
	data, _ := json.Marshal(d)
	out, _ := json.Marshal(barEnvelope{
		Type:      b.State.String(),
		Sequence:  seq,
		Timestamp: nowMS,
		Mode:      mode,
		Data:      data,
	})
	return out
}

func encodeControl(msgType string, fields map[string]interface{}) []byte {
	m := map[string]interface{}{"type": msgType}
	for k, v := range fields {
		m[k] = v
	}
	out, _ := json.Marshal(m)
	return out
}

func encodeSubscribed(symbol string, timeframeMS, seq int64) []byte {
	return encodeControl("SUBSCRIBED", map[string]interface{}{
		"symbol": symbol, "timeframe": timeframeMS, "sequence": seq,
	})
}

func encodeUnsubscribed(symbol string, timeframeMS int64) []byte {
	return encodeControl("UNSUBSCRIBED", map[string]interface{}{
		"symbol": symbol, "timeframe": timeframeMS,
	})
}

func encodePong(nowMS int64) []byte {
	return encodeControl("PONG", map[string]interface{}{"timestamp": nowMS})
}

func encodeHeartbeat(nowMS int64) []byte {
	return encodeControl("HEARTBEAT", map[string]interface{}{"timestamp": nowMS})
}

func encodeError(reason string) []byte {
	return encodeControl("ERROR", map[string]interface{}{"error": reason})
}

func subKey(symbol string, timeframeMS int64) string {
	return symbol + ":" + strconv.FormatInt(timeframeMS, 10)
}
