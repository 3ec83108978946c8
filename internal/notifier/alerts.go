package notifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"conclave/internal/bus"
	"conclave/internal/logger"
	"conclave/internal/pipeline"
)

// AlertRouter forwards risk alerts and failed cycles from the bus to a
// text notifier. It never forwards routine fills; the push channel is for
// things an operator should look at.
type AlertRouter struct {
	sink   TextNotifier
	unsubs []func()
}

func NewAlertRouter(sink TextNotifier, b *bus.Bus) (*AlertRouter, error) {
	if sink == nil {
		return nil, fmt.Errorf("alert router: notifier is nil")
	}
	if b == nil {
		return nil, fmt.Errorf("alert router: bus is nil")
	}
	r := &AlertRouter{sink: sink}
	r.unsubs = append(r.unsubs,
		b.Subscribe(bus.MsgRiskAlert, r.onRiskAlert),
		b.Subscribe(bus.MsgCycleComplete, r.onCycleComplete),
	)
	return r, nil
}

// Close detaches the router from the bus.
func (r *AlertRouter) Close() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
}

func (r *AlertRouter) onRiskAlert(msg bus.Message) {
	var a struct {
		OrderID   string `json:"order_id"`
		MandateID string `json:"mandate_id"`
		Asset     string `json:"asset"`
		Source    string `json:"source"`
		Detail    string `json:"detail"`
	}
	if err := json.Unmarshal(msg.Payload, &a); err != nil {
		logger.Warnf("Alert router: undecodable risk alert: %v", err)
		return
	}
	r.send(StructuredMessage{
		Icon:  "🚨",
		Title: "Risk alert",
		Sections: []MessageSection{{
			Lines: []string{
				"Asset: " + a.Asset,
				"Source: " + a.Source,
				"Order: " + a.OrderID,
				"Mandate: " + a.MandateID,
				"Detail: " + a.Detail,
			},
		}},
		Timestamp: msg.At,
	})
}

func (r *AlertRouter) onCycleComplete(msg bus.Message) {
	var c struct {
		CycleID  string `json:"cycle_id"`
		Phase    string `json:"phase"`
		Produced int    `json:"orders_produced"`
		Filled   int    `json:"orders_filled"`
		Rejected int    `json:"orders_rejected"`
		Error    string `json:"error"`
	}
	if err := json.Unmarshal(msg.Payload, &c); err != nil {
		logger.Warnf("Alert router: undecodable cycle report: %v", err)
		return
	}
	if c.Error == "" && !strings.EqualFold(c.Phase, string(pipeline.PhaseFailed)) {
		return
	}
	r.send(StructuredMessage{
		Icon:  "⚠️",
		Title: "Deliberation cycle failed",
		Sections: []MessageSection{{
			Lines: []string{
				"Cycle: " + c.CycleID,
				"Phase: " + c.Phase,
				fmt.Sprintf("Orders: %d produced / %d filled / %d rejected", c.Produced, c.Filled, c.Rejected),
				"Error: " + c.Error,
			},
		}},
		Timestamp: msg.At,
	})
}

func (r *AlertRouter) send(m StructuredMessage) {
	if err := r.sink.SendText(m.RenderMarkdown()); err != nil {
		logger.Warnf("Notification push failed: %v", err)
	}
}
