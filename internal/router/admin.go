package router

import (
	"context"
	"encoding/json"

	"github.com/your-org/facegate/internal/session"
	"github.com/your-org/facegate/pkg/dto"
)

// handleAdminAddUser starts enrollment from the operator console.
func (r *Router) handleAdminAddUser(ctx context.Context, s *session.Session, raw []byte) {
	var frame dto.AdminAddUserFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}

	id, err := r.controller.StartFromOperator(ctx, frame.DeviceSN, frame.Name, frame.IsAdmin != 0)
	if err != nil {
		s.Send(dto.AdminAddUserReply{Ret: "admin_add_user", Result: false, Error: err.Error()})
		return
	}

	s.Send(dto.AdminAddUserReply{Ret: "admin_add_user", Result: true, EnrollID: id})
}

// handleAdminDeleteUser purges the user from the store and the
// gallery.
func (r *Router) handleAdminDeleteUser(ctx context.Context, s *session.Session, raw []byte) {
	var frame dto.AdminDeleteUserFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}

	if err := r.store.DeleteUser(ctx, frame.EnrollID); err != nil {
		s.Send(dto.Reply{Ret: "admin_delete_user", Result: false, Error: err.Error()})
		return
	}
	r.gallery.Remove(frame.EnrollID)

	s.Send(dto.Reply{Ret: "admin_delete_user", Result: true})
}

// handleAdminSetActive updates the store then mutates the gallery
// entry in place.
func (r *Router) handleAdminSetActive(ctx context.Context, s *session.Session, raw []byte) {
	var frame dto.AdminSetActiveFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}

	if err := r.store.SetUserActive(ctx, frame.EnrollID, frame.Active); err != nil {
		s.Send(dto.Reply{Ret: "admin_set_active", Result: false, Error: err.Error()})
		return
	}
	r.gallery.SetActive(frame.EnrollID, frame.Active)

	s.Send(dto.Reply{Ret: "admin_set_active", Result: true})
}

// handleAdminGetUser reads a single gallery entry.
func (r *Router) handleAdminGetUser(s *session.Session, raw []byte) {
	var frame dto.AdminGetUserFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}

	u, ok := r.gallery.Get(frame.EnrollID)
	if !ok {
		s.Send(dto.AdminGetUserReply{Ret: "admin_get_user", Result: false, Error: "not found"})
		return
	}

	s.Send(dto.AdminGetUserReply{
		Ret:      "admin_get_user",
		Result:   true,
		EnrollID: u.EnrollID,
		Name:     u.Name,
		IsActive: u.IsActive,
		HasFace:  u.HasFace,
	})
}

// handleAdminSearchUserByName is a case-insensitive substring search.
func (r *Router) handleAdminSearchUserByName(ctx context.Context, s *session.Session, raw []byte) {
	var frame dto.AdminSearchUserByNameFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}

	rows, err := r.store.SearchUsersByName(ctx, frame.Name)
	if err != nil {
		s.Send(dto.Reply{Ret: "admin_search_user_by_name", Result: false, Error: err.Error()})
		return
	}

	users := make([]dto.UserSummary, len(rows))
	for i, row := range rows {
		users[i] = dto.UserSummary{EnrollID: row.EnrollID, Name: row.Name, IsActive: row.IsActive}
	}

	s.Send(dto.AdminSearchUserByNameReply{Ret: "admin_search_user_by_name", Result: true, Users: users})
}
