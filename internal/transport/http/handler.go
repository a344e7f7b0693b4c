package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/yanun0323/logs"

	"tradelog/internal/archive"
	"tradelog/internal/obs"
	"tradelog/internal/og"
	"tradelog/pkg/exception"
)

type handler struct {
	tracker *og.Tracker
	metrics *obs.Metrics
	archive *archive.Archive
}

type orderResponse struct {
	OrderID  string          `json:"order_id"`
	Alpha    string          `json:"alpha"`
	Exchange string          `json:"exchange"`
	Side     string          `json:"side"`
	Qty      float64         `json:"qty"`
	Price    float64         `json:"price"`
	Status   string          `json:"status"`
	Filled   float64         `json:"filled"`
	FillIDs  []string        `json:"fill_ids"`
	History  []og.Transition `json:"history,omitempty"`
}

func toResponse(v og.OrderView) orderResponse {
	return orderResponse{
		OrderID:  v.Order.OrderID,
		Alpha:    v.Order.Alpha,
		Exchange: v.Order.Exchange,
		Side:     v.Order.Side.String(),
		Qty:      v.Order.Qty,
		Price:    v.Order.Price,
		Status:   v.Status.String(),
		Filled:   v.Filled,
		FillIDs:  v.FillIDs,
	}
}

func (h *handler) handleMetrics(c *gin.Context) {
	if h.metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics disabled"})
		return
	}
	c.JSON(http.StatusOK, h.metrics.Snapshot())
}

func (h *handler) handleOrders(c *gin.Context) {
	alpha := strings.TrimSpace(c.Query("alpha"))
	out := make([]orderResponse, 0)
	for _, v := range h.tracker.Views() {
		if alpha != "" && v.Order.Alpha != alpha {
			continue
		}
		out = append(out, toResponse(v))
	}
	c.JSON(http.StatusOK, gin.H{
		"orders":      out,
		"provisional": h.tracker.Provisional(),
	})
}

func (h *handler) handleOrder(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order id is required"})
		return
	}
	view, ok := h.tracker.Lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": exception.ErrOrderNotFound.Error(), "order_id": id})
		return
	}
	resp := toResponse(view)
	resp.History = h.tracker.History(id)

	body := gin.H{"order": resp}
	if h.archive != nil {
		fills, err := h.archive.Fills(c.Request.Context(), id)
		if err != nil {
			logs.Warnf("[api] archive fills %s, err: %+v", id, err)
		} else {
			body["fills"] = fills
		}
	}
	c.JSON(http.StatusOK, body)
}
