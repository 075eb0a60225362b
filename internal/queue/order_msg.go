package queue

import (
	"fmt"
	"time"

	"storefront/internal/model"
)

// OrderEventMessage 是写入 Stream / Kafka 的订单事件。
type OrderEventMessage struct {
	EventID     string    `json:"event_id"`
	Type        string    `json:"type"`
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	ItemID      string    `json:"item_id,omitempty"`
	FromStatus  string    `json:"from_status,omitempty"`
	ToStatus    string    `json:"to_status,omitempty"`
	FromPayment string    `json:"from_payment,omitempty"`
	ToPayment   string    `json:"to_payment,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (m OrderEventMessage) Validate() error {
	if m.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if m.Type == "" {
		return fmt.Errorf("type is required")
	}
	if m.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}
	if m.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	return nil
}

func FromModel(ev model.OrderEvent) OrderEventMessage {
	return OrderEventMessage{
		EventID:     ev.EventID,
		Type:        ev.Type,
		OrderID:     ev.OrderID,
		OrderNumber: ev.OrderNumber,
		ItemID:      ev.ItemID,
		FromStatus:  ev.FromStatus,
		ToStatus:    ev.ToStatus,
		FromPayment: ev.FromPayment,
		ToPayment:   ev.ToPayment,
		Actor:       ev.Actor,
		OccurredAt:  ev.OccurredAt,
	}
}

func (m OrderEventMessage) ToModel() model.OrderEvent {
	return model.OrderEvent{
		EventID:     m.EventID,
		Type:        m.Type,
		OrderID:     m.OrderID,
		OrderNumber: m.OrderNumber,
		ItemID:      m.ItemID,
		FromStatus:  m.FromStatus,
		ToStatus:    m.ToStatus,
		FromPayment: m.FromPayment,
		ToPayment:   m.ToPayment,
		Actor:       m.Actor,
		OccurredAt:  m.OccurredAt,
	}
}

// streamValues 展开为 Stream 字段，空字段不写入。
func (m OrderEventMessage) streamValues() map[string]any {
	v := map[string]any{
		"event_id":     m.EventID,
		"type":         m.Type,
		"order_id":     m.OrderID,
		"order_number": m.OrderNumber,
		"occurred_at":  m.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	for k, s := range map[string]string{
		"item_id":      m.ItemID,
		"from_status":  m.FromStatus,
		"to_status":    m.ToStatus,
		"from_payment": m.FromPayment,
		"to_payment":   m.ToPayment,
		"actor":        m.Actor,
	} {
		if s != "" {
			v[k] = s
		}
	}
	return v
}
