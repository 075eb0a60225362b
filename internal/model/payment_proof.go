package model

import "time"

// PaymentProof 客户上传的线下付款凭证。
// Verified 三态：nil 待审核，true 通过，false 驳回。
type PaymentProof struct {
	ID        string    `gorm:"primarykey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID       string        `gorm:"size:36;not null;index" json:"order_id"`
	FileURL       string        `gorm:"size:512;not null" json:"file_url"`
	FileKey       string        `gorm:"size:255;not null" json:"-"`
	PaymentMethod PaymentMethod `gorm:"size:32;not null" json:"payment_method"`
	TransactionID *string       `gorm:"size:128" json:"transaction_id,omitempty"`
	Amount        int64         `gorm:"not null" json:"amount"`
	Verified      *bool         `json:"verified"`
	VerifiedAt    *time.Time    `json:"verified_at,omitempty"`
}

func (PaymentProof) TableName() string { return "payment_proofs" }
