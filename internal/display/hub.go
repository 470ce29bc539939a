package display

import (
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/events"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/ftms"
)

// Hub fans updates out to every attached sink. A sink attached late is
// brought up to date with the last status and the last reading.
type Hub struct {
	statuses *events.Broadcast[string]
	readings *events.Broadcast[ftms.Reading]
}

func NewHub() *Hub {
	return &Hub{
		statuses: events.NewBroadcast[string](true),
		readings: events.NewBroadcast[ftms.Reading](true),
	}
}

// Attach registers sink and returns its detach function
func (h *Hub) Attach(sink Sink) func() {
	if sink == nil {
		panic("Hub: sink cannot be nil")
	}
	unlistenStatus := h.statuses.Listen(sink.OnStatus)
	unlistenReading := h.readings.Listen(sink.OnReading)
	return func() {
		unlistenStatus()
		unlistenReading()
	}
}

func (h *Hub) OnStatus(text string) {
	h.statuses.Notify(text)
}

func (h *Hub) OnReading(r ftms.Reading) {
	h.readings.Notify(r)
}

// Sinks returns how many sinks are attached
func (h *Hub) Sinks() int {
	return h.statuses.ListenerCount()
}
