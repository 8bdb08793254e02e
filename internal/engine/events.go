package engine

import "time"

// Event types pushed over the streaming surface.
const (
	EventPriceUpdate      = "price_update"
	EventProcessedTrade   = "processed_trade"
	EventMarketPressure   = "external_market_pressure"
	EventScenarioStarted  = "scenario_started"
	EventScenarioEnded    = "scenario_ended"
	EventSimulationReset  = "simulation_reset"
	EventCascadeTriggered = "liquidation_cascade_triggered"
	EventSimulationStatus = "simulation_status"
)

// Event is the envelope every streamed message shares.
type Event struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // wall clock, ms
	SessionID string `json:"session_id"`
	Data      any    `json:"data"`
}

// Broadcaster delivers events to connected clients. Delivery is
// fire-and-forget; the tick loop never blocks on a slow consumer.
type Broadcaster interface {
	Broadcast(evt Event)
}

// NopBroadcaster discards every event. Used when no transport is attached.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(Event) {}

func newEvent(typ, sessionID string, data any) Event {
	return Event{
		Type:      typ,
		Timestamp: time.Now().UnixMilli(),
		SessionID: sessionID,
		Data:      data,
	}
}
