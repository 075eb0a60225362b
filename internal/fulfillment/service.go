package fulfillment

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"storefront/internal/apperr"
	"storefront/internal/model"
	"storefront/internal/repository"
)

var tracer = otel.Tracer("storefront/internal/fulfillment")

// EventPublisher 订单事件出口（Redis Stream outbox）。
type EventPublisher interface {
	Publish(ctx context.Context, events []model.OrderEvent) error
}

// ObjectRemover 删除订单时清理凭证文件。
type ObjectRemover interface {
	Delete(ctx context.Context, key string) error
}

// ServiceDeps 运营服务依赖。Clock/Logger/Events/Objects 可为空。
type ServiceDeps struct {
	Store   *repository.Store
	Orders  repository.OrderRepository
	Events  EventPublisher
	Objects ObjectRemover
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Service 在事务内读取订单、执行 Apply 并以乐观条件写回，提交后发布事件。
type Service struct {
	store   *repository.Store
	orders  repository.OrderRepository
	events  EventPublisher
	objects ObjectRemover
	now     func() time.Time
	log     *zap.Logger
}

func NewService(deps ServiceDeps) *Service {
	s := &Service{
		store:   deps.Store,
		orders:  deps.Orders,
		events:  deps.Events,
		objects: deps.Objects,
		now:     deps.Clock,
		log:     deps.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// Execute 执行一条命令并返回最新订单。命令为空操作时不写库、不发事件。
func (s *Service) Execute(ctx context.Context, orderID, actor string, cmd Command) (*model.Order, error) {
	const op = "fulfillment.execute"

	ctx, span := tracer.Start(ctx, "fulfillment."+cmd.Name())
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("actor", actor))

	var (
		order  *model.Order
		events []Event
	)
	err := s.store.Transaction(ctx, func(ctx context.Context) error {
		var err error
		order, events, err = s.apply(ctx, orderID, cmd)
		return err
	})
	if err != nil {
		s.logFailure(op, orderID, cmd, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.KindOf(err).String())
		return nil, err
	}

	s.applied(ctx, order, actor, cmd, events)
	return s.orders.Get(ctx, orderID)
}

// apply 在调用方事务内读取、推进并写回，不发布事件。
func (s *Service) apply(ctx context.Context, orderID string, cmd Command) (*model.Order, []Event, error) {
	current, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	before := StateOf(current)
	after, evs, err := Apply(before, cmd, s.now().UTC())
	if err != nil {
		return nil, nil, err
	}
	if len(evs) > 0 {
		if err := s.persist(ctx, current, before, after); err != nil {
			return nil, nil, err
		}
	}
	return current, evs, nil
}

// applied 事务提交后发布事件。
func (s *Service) applied(ctx context.Context, order *model.Order, actor string, cmd Command, events []Event) {
	if len(events) == 0 {
		return
	}
	s.publish(ctx, order, actor, events)
	s.log.Info("order command applied",
		zap.String("order_id", order.ID),
		zap.String("command", cmd.Name()),
		zap.String("actor", actor),
		zap.Int("events", len(events)))
}

// persist 按状态差异写回：订单主表以读取时的状态对为条件更新。
func (s *Service) persist(ctx context.Context, order *model.Order, before, after State) error {
	fields := map[string]any{"updated_at": after.UpdatedAt}
	if after.Status != before.Status {
		fields["status"] = after.Status
	}
	if after.PaymentStatus != before.PaymentStatus {
		fields["payment_status"] = after.PaymentStatus
	}
	if after.AdminNotes != before.AdminNotes {
		fields["admin_notes"] = after.AdminNotes
	}
	guard := repository.StateGuard{Status: before.Status, PaymentStatus: before.PaymentStatus}
	if err := s.orders.UpdateState(ctx, order.ID, guard, fields); err != nil {
		return err
	}

	if after.Proof != nil && before.Proof != nil && after.Proof.ID == before.Proof.ID &&
		before.Proof.Verified == nil && after.Proof.Verified != nil {
		err := s.orders.UpdateProofFields(ctx, after.Proof.ID, map[string]any{
			"verified":    *after.Proof.Verified,
			"verified_at": *after.Proof.VerifiedAt,
		})
		if err != nil {
			return err
		}
	}

	for i, it := range after.Items {
		if it.IsDelivered && !before.Items[i].IsDelivered {
			err := s.orders.UpdateItemFields(ctx, it.ID, map[string]any{
				"is_delivered": true,
				"delivered_at": *it.DeliveredAt,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) MarkProcessing(ctx context.Context, orderID, actor string) (*model.Order, error) {
	return s.Execute(ctx, orderID, actor, MarkProcessing{})
}

func (s *Service) MarkShipped(ctx context.Context, orderID, actor string) (*model.Order, error) {
	return s.Execute(ctx, orderID, actor, MarkShipped{})
}

func (s *Service) MarkDelivered(ctx context.Context, orderID, actor string) (*model.Order, error) {
	return s.Execute(ctx, orderID, actor, MarkDelivered{})
}

func (s *Service) MarkCompleted(ctx context.Context, orderID, actor string) (*model.Order, error) {
	return s.Execute(ctx, orderID, actor, MarkCompleted{})
}

func (s *Service) Cancel(ctx context.Context, orderID, actor string) (*model.Order, error) {
	return s.Execute(ctx, orderID, actor, Cancel{})
}

func (s *Service) Refund(ctx context.Context, orderID, actor string) (*model.Order, error) {
	return s.Execute(ctx, orderID, actor, Refund{})
}

// VerifyPayment 审核最新凭证并设置 payment_status。
// 最新凭证已有结论时只接受相同结论（幂等）；驳回后改判为通过会被拒绝，
// 此时 payment_status 不变，需客户补交新凭证后再审核。已退款的订单不可审核。
func (s *Service) VerifyPayment(ctx context.Context, orderID, actor string, accept bool) (*model.Order, error) {
	return s.Execute(ctx, orderID, actor, VerifyPayment{Accept: accept})
}

func (s *Service) UpdateStatus(ctx context.Context, orderID, actor string, status model.OrderStatus) (*model.Order, error) {
	return s.Execute(ctx, orderID, actor, SetStatus{Status: status})
}

func (s *Service) UpdatePaymentStatus(ctx context.Context, orderID, actor string, status model.PaymentStatus) (*model.Order, error) {
	return s.Execute(ctx, orderID, actor, SetPaymentStatus{Status: status})
}

func (s *Service) SetAdminNotes(ctx context.Context, orderID, actor, notes string) (*model.Order, error) {
	return s.Execute(ctx, orderID, actor, SetAdminNotes{Notes: notes})
}

// MarkItemDelivered 按订单行 ID 定位订单后执行。
func (s *Service) MarkItemDelivered(ctx context.Context, itemID, actor string) (*model.OrderItem, error) {
	item, err := s.orders.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Execute(ctx, item.OrderID, actor, MarkItemDelivered{ItemID: itemID}); err != nil {
		return nil, err
	}
	return s.orders.GetItem(ctx, itemID)
}

// SubmitProof 在同一事务内写入新凭证并推进支付状态，提交后才发布事件。
func (s *Service) SubmitProof(ctx context.Context, orderID, actor string, proof *model.PaymentProof) (*model.Order, error) {
	const op = "fulfillment.submit_proof"

	proof.OrderID = orderID
	proof.Verified = nil
	cmd := SubmitProof{ProofID: proof.ID}

	ctx, span := tracer.Start(ctx, "fulfillment."+cmd.Name())
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("actor", actor))

	var (
		order  *model.Order
		events []Event
	)
	err := s.store.Transaction(ctx, func(ctx context.Context) error {
		if err := s.orders.CreateProof(ctx, proof); err != nil {
			return err
		}
		var err error
		order, events, err = s.apply(ctx, orderID, cmd)
		return err
	})
	if err != nil {
		s.logFailure(op, orderID, cmd, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.KindOf(err).String())
		return nil, err
	}

	s.applied(ctx, order, actor, cmd, events)
	return s.orders.Get(ctx, orderID)
}

// Delete 物理删除订单及子记录，提交后尽力清理凭证文件。
func (s *Service) Delete(ctx context.Context, orderID, actor string) error {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if err := s.orders.Delete(ctx, orderID); err != nil {
		s.logFailure("fulfillment.delete", orderID, nil, err)
		return err
	}
	if s.objects != nil {
		for _, p := range order.PaymentProofs {
			if err := s.objects.Delete(ctx, p.FileKey); err != nil {
				s.log.Warn("delete proof object failed", zap.String("order_id", orderID), zap.String("key", p.FileKey), zap.Error(err))
			}
		}
	}
	s.publish(ctx, order, actor, []Event{{Type: EventOrderDeleted, FromStatus: order.Status, At: s.now().UTC()}})
	return nil
}

// Progress 派生的交付进度视图。
func (s *Service) Progress(ctx context.Context, orderID string) (Progress, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return Progress{}, err
	}
	return ProgressOf(order), nil
}

func (s *Service) publish(ctx context.Context, order *model.Order, actor string, events []Event) {
	if s.events == nil || len(events) == 0 {
		return
	}
	if err := s.events.Publish(ctx, ToModelEvents(order, actor, events)); err != nil {
		s.log.Error("publish order events failed", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func (s *Service) logFailure(op, orderID string, cmd Command, err error) {
	fields := []zap.Field{zap.String("op", op), zap.String("order_id", orderID), zap.Error(err)}
	if cmd != nil {
		fields = append(fields, zap.String("command", cmd.Name()))
	}
	switch apperr.KindOf(err) {
	case apperr.KindTransitionRejected, apperr.KindValidation, apperr.KindNotFound, apperr.KindConflict:
		s.log.Info("order command rejected", fields...)
	default:
		s.log.Error("order command failed", fields...)
	}
}

// ToModelEvents 为事件分配 ULID 并转换为持久化模型。
func ToModelEvents(order *model.Order, actor string, events []Event) []model.OrderEvent {
	out := make([]model.OrderEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, model.OrderEvent{
			EventID:     ulid.Make().String(),
			Type:        ev.Type,
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			ItemID:      ev.ItemID,
			FromStatus:  string(ev.FromStatus),
			ToStatus:    string(ev.ToStatus),
			FromPayment: string(ev.FromPayment),
			ToPayment:   string(ev.ToPayment),
			Actor:       actor,
			OccurredAt:  ev.At,
		})
	}
	return out
}
