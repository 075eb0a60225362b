package fulfillment

import "storefront/internal/model"

// Progress 订单行交付进度。只读视图，不约束订单主状态。
type Progress struct {
	OrderID        string              `json:"order_id"`
	Status         model.OrderStatus   `json:"status"`
	PaymentStatus  model.PaymentStatus `json:"payment_status"`
	TotalItems     int                 `json:"total_items"`
	DeliveredItems int                 `json:"delivered_items"`
	Percent        int                 `json:"percent"`
	AllDelivered   bool                `json:"all_delivered"`
	// StatusMismatch 订单已完成但仍有未交付行，或全部交付但订单未推进，供运营关注
	StatusMismatch bool `json:"status_mismatch"`
}

func ProgressOf(o *model.Order) Progress {
	p := Progress{
		OrderID:       o.ID,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		TotalItems:    len(o.Items),
	}
	for _, it := range o.Items {
		if it.IsDelivered {
			p.DeliveredItems++
		}
	}
	if p.TotalItems > 0 {
		p.Percent = p.DeliveredItems * 100 / p.TotalItems
	}
	p.AllDelivered = p.TotalItems > 0 && p.DeliveredItems == p.TotalItems

	finished := o.Status == model.OrderCompleted || o.Status == model.OrderDelivered
	active := o.Status == model.OrderProcessing || o.Status == model.OrderShipped
	p.StatusMismatch = (finished && !p.AllDelivered) || (active && p.AllDelivered)
	return p
}
