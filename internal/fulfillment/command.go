package fulfillment

import "storefront/internal/model"

// Command 运营/客户操作的封闭集合，只能由本包内类型实现。
type Command interface {
	Name() string
	command()
}

// MarkProcessing 状态置为 processing，无支付前置条件。
type MarkProcessing struct{}

// MarkShipped 仅在支付已核验时允许。
type MarkShipped struct{}

type MarkDelivered struct{}

type MarkCompleted struct{}

type Cancel struct{}

// Refund 退款：要求支付已核验，订单与支付同时置为 refunded。
type Refund struct{}

// SetStatus 运营直接指定订单状态。目标为 shipped 时同样受支付核验约束。
type SetStatus struct {
	Status model.OrderStatus
}

// SetPaymentStatus 运营直接指定支付状态。目标为 refunded 时要求当前已核验。
type SetPaymentStatus struct {
	Status model.PaymentStatus
}

// VerifyPayment 审核最新凭证：通过则 verified/processing，驳回则 failed/pending。
// 已审核的凭证不能改判，改判需先补交新凭证。
type VerifyPayment struct {
	Accept bool
}

// SubmitProof 客户补交凭证，凭证行由调用方先写入。
type SubmitProof struct {
	ProofID string
}

// MarkItemDelivered 标记单个订单行已交付，不影响订单主状态。
type MarkItemDelivered struct {
	ItemID string
}

type SetAdminNotes struct {
	Notes string
}

func (MarkProcessing) Name() string    { return "mark_processing" }
func (MarkShipped) Name() string       { return "mark_shipped" }
func (MarkDelivered) Name() string     { return "mark_delivered" }
func (MarkCompleted) Name() string     { return "mark_completed" }
func (Cancel) Name() string            { return "cancel" }
func (Refund) Name() string            { return "refund" }
func (SetStatus) Name() string         { return "set_status" }
func (SetPaymentStatus) Name() string  { return "set_payment_status" }
func (VerifyPayment) Name() string     { return "verify_payment" }
func (SubmitProof) Name() string       { return "submit_proof" }
func (MarkItemDelivered) Name() string { return "mark_item_delivered" }
func (SetAdminNotes) Name() string     { return "set_admin_notes" }

func (MarkProcessing) command()    {}
func (MarkShipped) command()       {}
func (MarkDelivered) command()     {}
func (MarkCompleted) command()     {}
func (Cancel) command()            {}
func (Refund) command()            {}
func (SetStatus) command()         {}
func (SetPaymentStatus) command()  {}
func (VerifyPayment) command()     {}
func (SubmitProof) command()       {}
func (MarkItemDelivered) command() {}
func (SetAdminNotes) command()     {}
