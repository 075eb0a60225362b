// Package fulfillment 实现订单状态 × 支付状态的双轴状态机以及运营操作服务。
package fulfillment

import (
	"time"

	"storefront/internal/apperr"
	"storefront/internal/model"
)

// 事件类型
const (
	EventStatusChanged        = "order.status_changed"
	EventPaymentStatusChanged = "order.payment_status_changed"
	EventProofVerified        = "payment.proof_verified"
	EventProofRejected        = "payment.proof_rejected"
	EventProofSubmitted       = "payment.proof_submitted"
	EventItemDelivered        = "order_item.delivered"
	EventAdminNotesUpdated    = "order.admin_notes_updated"
	EventOrderCreated         = "order.created"
	EventOrderDeleted         = "order.deleted"
)

// ProofState 最新付款凭证的审核状态。
type ProofState struct {
	ID         string
	Verified   *bool
	VerifiedAt *time.Time
}

type ItemState struct {
	ID          string
	IsDelivered bool
	DeliveredAt *time.Time
}

// State 状态机所需的订单快照。
type State struct {
	Status        model.OrderStatus
	PaymentStatus model.PaymentStatus
	Proof         *ProofState
	Items         []ItemState
	AdminNotes    string
	UpdatedAt     time.Time
}

// Event 一次状态变化。
type Event struct {
	Type        string
	ItemID      string
	FromStatus  model.OrderStatus
	ToStatus    model.OrderStatus
	FromPayment model.PaymentStatus
	ToPayment   model.PaymentStatus
	At          time.Time
}

// StateOf 从订单聚合提取状态快照。
func StateOf(o *model.Order) State {
	s := State{
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		AdminNotes:    o.AdminNotes,
		UpdatedAt:     o.UpdatedAt,
	}
	if p := o.LatestProof(); p != nil {
		s.Proof = &ProofState{ID: p.ID, Verified: p.Verified, VerifiedAt: p.VerifiedAt}
	}
	s.Items = make([]ItemState, 0, len(o.Items))
	for _, it := range o.Items {
		s.Items = append(s.Items, ItemState{ID: it.ID, IsDelivered: it.IsDelivered, DeliveredAt: it.DeliveredAt})
	}
	return s
}

func (s State) clone() State {
	out := s
	if s.Proof != nil {
		p := *s.Proof
		out.Proof = &p
	}
	out.Items = append([]ItemState(nil), s.Items...)
	return out
}

// Apply 纯函数：对状态执行命令，返回新状态与事件。
// 命令目标与当前状态一致时为幂等空操作（无事件、无错误）；守卫不满足时返回 KindTransitionRejected，状态不变。
func Apply(s State, cmd Command, now time.Time) (State, []Event, error) {
	const op = "fulfillment.apply"

	next := s.clone()
	var events []Event

	switch c := cmd.(type) {
	case MarkProcessing:
		events = next.setStatus(model.OrderProcessing, now)
	case MarkShipped:
		if err := guardShipped(s); err != nil {
			return s, nil, err
		}
		events = next.setStatus(model.OrderShipped, now)
	case MarkDelivered:
		events = next.setStatus(model.OrderDelivered, now)
	case MarkCompleted:
		events = next.setStatus(model.OrderCompleted, now)
	case Cancel:
		events = next.setStatus(model.OrderCancelled, now)

	case Refund:
		if s.Status == model.OrderRefunded && s.PaymentStatus == model.PaymentRefunded {
			return s, nil, nil
		}
		if s.PaymentStatus != model.PaymentVerified && s.PaymentStatus != model.PaymentRefunded {
			return s, nil, apperr.Newf(apperr.KindTransitionRejected, op,
				"cannot refund: payment status is %s, must be verified", s.PaymentStatus)
		}
		events = append(next.setStatus(model.OrderRefunded, now), next.setPayment(model.PaymentRefunded, now)...)

	case SetStatus:
		if !c.Status.Valid() {
			return s, nil, apperr.Newf(apperr.KindValidation, op, "unknown order status %q", c.Status)
		}
		if c.Status == model.OrderShipped {
			if err := guardShipped(s); err != nil {
				return s, nil, err
			}
		}
		events = next.setStatus(c.Status, now)

	case SetPaymentStatus:
		if !c.Status.Valid() {
			return s, nil, apperr.Newf(apperr.KindValidation, op, "unknown payment status %q", c.Status)
		}
		if c.Status == model.PaymentRefunded && s.PaymentStatus != model.PaymentVerified && s.PaymentStatus != model.PaymentRefunded {
			return s, nil, apperr.Newf(apperr.KindTransitionRejected, op,
				"cannot mark payment refunded from %s", s.PaymentStatus)
		}
		events = next.setPayment(c.Status, now)

	case VerifyPayment:
		ev, err := next.verify(c.Accept, now)
		if err != nil {
			return s, nil, err
		}
		events = ev

	case SubmitProof:
		if c.ProofID == "" {
			return s, nil, apperr.New(apperr.KindValidation, op, "proof id is required")
		}
		if s.PaymentStatus == model.PaymentVerified || s.PaymentStatus == model.PaymentRefunded {
			return s, nil, apperr.Newf(apperr.KindTransitionRejected, op,
				"cannot submit proof: payment status is %s", s.PaymentStatus)
		}
		if s.Proof != nil && s.Proof.ID == c.ProofID {
			return s, nil, nil
		}
		next.Proof = &ProofState{ID: c.ProofID}
		events = append([]Event{{Type: EventProofSubmitted, At: now}},
			next.setPayment(model.PaymentVerificationSubmitted, now)...)

	case MarkItemDelivered:
		idx := -1
		for i := range next.Items {
			if next.Items[i].ID == c.ItemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return s, nil, apperr.New(apperr.KindNotFound, op, "order item not found")
		}
		if next.Items[idx].IsDelivered {
			return s, nil, nil
		}
		at := now
		next.Items[idx].IsDelivered = true
		next.Items[idx].DeliveredAt = &at
		events = []Event{{Type: EventItemDelivered, ItemID: c.ItemID, At: now}}

	case SetAdminNotes:
		if s.AdminNotes == c.Notes {
			return s, nil, nil
		}
		next.AdminNotes = c.Notes
		events = []Event{{Type: EventAdminNotesUpdated, At: now}}

	default:
		return s, nil, apperr.Newf(apperr.KindValidation, op, "unsupported command %T", cmd)
	}

	if len(events) == 0 {
		return s, nil, nil
	}
	next.UpdatedAt = now
	return next, events, nil
}

func guardShipped(s State) error {
	if s.PaymentStatus != model.PaymentVerified {
		return apperr.Newf(apperr.KindTransitionRejected, "fulfillment.apply",
			"cannot ship: payment status is %s, must be verified", s.PaymentStatus)
	}
	return nil
}

func (s *State) setStatus(to model.OrderStatus, now time.Time) []Event {
	if s.Status == to {
		return nil
	}
	ev := Event{Type: EventStatusChanged, FromStatus: s.Status, ToStatus: to, At: now}
	s.Status = to
	return []Event{ev}
}

func (s *State) setPayment(to model.PaymentStatus, now time.Time) []Event {
	if s.PaymentStatus == to {
		return nil
	}
	ev := Event{Type: EventPaymentStatusChanged, FromPayment: s.PaymentStatus, ToPayment: to, At: now}
	s.PaymentStatus = to
	return []Event{ev}
}

// verify 审核是订单、支付、凭证三者的组合变更。已审核的凭证只能以相同结论重复审核。
func (s *State) verify(accept bool, now time.Time) ([]Event, error) {
	const op = "fulfillment.apply"

	if s.PaymentStatus == model.PaymentRefunded {
		return nil, apperr.New(apperr.KindTransitionRejected, op, "cannot verify a refunded payment")
	}

	targetPayment, targetStatus := model.PaymentFailed, model.OrderPending
	if accept {
		targetPayment, targetStatus = model.PaymentVerified, model.OrderProcessing
	}

	var events []Event
	if p := s.Proof; p != nil {
		switch {
		case p.Verified == nil:
			v, at := accept, now
			p.Verified, p.VerifiedAt = &v, &at
			typ := EventProofRejected
			if accept {
				typ = EventProofVerified
			}
			events = append(events, Event{Type: typ, At: now})
		case *p.Verified != accept:
			return nil, apperr.New(apperr.KindTransitionRejected, op,
				"payment proof was already reviewed with a different verdict")
		}
	}
	events = append(events, s.setPayment(targetPayment, now)...)
	events = append(events, s.setStatus(targetStatus, now)...)
	return events, nil
}
