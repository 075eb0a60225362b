package model

import (
	"time"
)

// CheckoutRequestStatus 描述一次结账提交的幂等状态机。
type CheckoutRequestStatus int

const (
	CheckoutRequestPending CheckoutRequestStatus = iota // 处理中
	CheckoutRequestSuccess                              // 订单已落库
	CheckoutRequestFailed                               // 已失败，可用同一幂等键重试
)

func (s CheckoutRequestStatus) String() string {
	switch s {
	case CheckoutRequestPending:
		return "pending"
	case CheckoutRequestSuccess:
		return "success"
	case CheckoutRequestFailed:
		return "failed"
	}
	return "unknown"
}

// CheckoutRequest 是服务端幂等记录：RequestID 由用户、购物车内容与客户端 nonce 派生。
type CheckoutRequest struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RequestID string                `gorm:"size:64;uniqueIndex;not null" json:"request_id"`
	UserID    string                `gorm:"size:64;not null;index" json:"user_id"`
	Status    CheckoutRequestStatus `gorm:"not null;default:0;index" json:"status"`
	OrderID   string                `gorm:"size:36;index" json:"order_id"`
	OrderNo   string                `gorm:"size:32" json:"order_no"`
	ErrorMsg  string                `gorm:"size:255" json:"error_msg"`
}

func (CheckoutRequest) TableName() string { return "checkout_requests" }
