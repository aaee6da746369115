package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/your-org/facegate/internal/storage"
)

// AttendanceStore is the slice of the repository the attendance
// read-only endpoint needs.
type AttendanceStore interface {
	QueryAttendance(ctx context.Context, enrollID int, limit int) ([]storage.AttendanceRow, error)
}

type AttendanceHandler struct {
	store AttendanceStore
}

func NewAttendanceHandler(store AttendanceStore) *AttendanceHandler {
	return &AttendanceHandler{store: store}
}

// List serves GET /v1/attendance?enroll_id=&limit=.
func (h *AttendanceHandler) List(c *gin.Context) {
	enrollID, _ := strconv.Atoi(c.Query("enroll_id"))

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 1000 {
			limit = v
		}
	}

	rows, err := h.store.QueryAttendance(c.Request.Context(), enrollID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"attendance": rows})
}
