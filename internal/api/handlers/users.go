package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/your-org/facegate/internal/storage"
)

// UserStore is the slice of the repository the read-only admin HTTP
// surface needs.
type UserStore interface {
	ListUsers(ctx context.Context) ([]storage.UserRow, error)
	SearchUsersByName(ctx context.Context, fragment string) ([]storage.UserRow, error)
}

type UsersHandler struct {
	store UserStore
}

func NewUsersHandler(store UserStore) *UsersHandler {
	return &UsersHandler{store: store}
}

// List serves GET /v1/users, optionally filtered by ?name=.
func (h *UsersHandler) List(c *gin.Context) {
	if name := c.Query("name"); name != "" {
		rows, err := h.store.SearchUsersByName(c.Request.Context(), name)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"users": rows})
		return
	}

	rows, err := h.store.ListUsers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": rows})
}

// Get serves GET /v1/users/:id, a single-row version of List filtered
// by enroll id — the store has no single-row lookup, so this reuses
// the search/list path and filters in memory, which is fine at admin
// traffic volumes.
func (h *UsersHandler) Get(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	rows, err := h.store.ListUsers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, row := range rows {
		if row.EnrollID == id {
			c.JSON(http.StatusOK, row)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
}
