// Package httpapi provides the HTTP control and status API for the trading
// system: start/stop, current position, tracked orders, and the message
// board.
package httpapi

import (
	"time"

	"pivot/internal/domain"
	"pivot/internal/engine"
	"pivot/internal/notify"
)

// StatusResponse is the top-level JSON response for the status endpoint.
type StatusResponse struct {
	engine.Status
	PauseNotice string `json:"pauseNotice,omitempty"`
	HoursNotice string `json:"hoursNotice,omitempty"`
}

// OrderJSON is one tracked order joined with its latest status snapshot.
type OrderJSON struct {
	ID        int64     `json:"id"`
	ParentID  int64     `json:"parentId,omitempty"`
	Contract  string    `json:"contract"`
	Action    string    `json:"action"`
	Type      string    `json:"type"`
	Quantity  int       `json:"quantity"`
	AuxPrice  float64   `json:"auxPrice,omitempty"`
	Status    string    `json:"status,omitempty"`
	Filled    int       `json:"filled"`
	AvgFill   float64   `json:"avgFill,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// OrdersResponse lists the current trading day's orders.
type OrdersResponse struct {
	Orders []OrderJSON `json:"orders"`
}

// PositionJSON is one position row.
type PositionJSON struct {
	Contract string    `json:"contract"`
	Quantity int       `json:"quantity"`
	AvgPrice float64   `json:"avgPrice"`
	OpenedAt time.Time `json:"openedAt"`
}

// PositionsResponse holds the live position and the day's history rows.
type PositionsResponse struct {
	Current PositionJSON   `json:"current"`
	History []PositionJSON `json:"history"`
}

// MessagesResponse holds the message board log.
type MessagesResponse struct {
	Messages []notify.Message `json:"messages"`
}

// RunStateResponse acknowledges a start or stop request.
type RunStateResponse struct {
	Running bool `json:"running"`
}

func convertOrder(o domain.Order, st *domain.OrderState) OrderJSON {
	j := OrderJSON{
		ID:        o.ID,
		ParentID:  o.ParentID,
		Contract:  o.Contract.String(),
		Action:    string(o.Action),
		Type:      string(o.Type),
		Quantity:  o.Quantity,
		AuxPrice:  o.AuxPrice,
		CreatedAt: o.CreatedAt,
	}
	if st != nil {
		j.Status = string(st.Status)
		j.Filled = st.Filled
		j.AvgFill = st.AvgFillPrice
	}
	return j
}

func convertPosition(p domain.Position) PositionJSON {
	return PositionJSON{
		Contract: p.Contract.String(),
		Quantity: p.Quantity,
		AvgPrice: p.AvgPrice,
		OpenedAt: p.OpenedAt,
	}
}
