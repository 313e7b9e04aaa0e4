package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/usbgate/pkg/device"
)

type Stats struct {
	Users           int64 `json:"users"`
	Devices         int64 `json:"devices"`
	Allowed         int64 `json:"allowed_permissions"`
	Denied          int64 `json:"denied_permissions"`
	PendingRequests int64 `json:"pending_requests"`
	TotalRequests   int64 `json:"total_requests"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	db := s.db.WithContext(ctx)
	var st Stats
	counts := []struct {
		dst   *int64
		model any
		where string
		args  []any
	}{
		{&st.Users, &User{}, "", nil},
		{&st.Devices, &Device{}, "", nil},
		{&st.Allowed, &Permission{}, "decision = ?", []any{device.Allowed}},
		{&st.Denied, &Permission{}, "decision = ?", []any{device.Denied}},
		{&st.PendingRequests, &AuthorizationRequest{}, "status = ?", []any{device.StatusPending}},
		{&st.TotalRequests, &AuthorizationRequest{}, "", nil},
	}
	for _, c := range counts {
		q := db.Model(c.model)
		if c.where != "" {
			q = q.Where(c.where, c.args...)
		}
		if err := q.Count(c.dst).Error; err != nil {
			return Stats{}, err
		}
	}
	return st, nil
}

// RequestView flattens a request with its user and device for listings.
type RequestView struct {
	ID          uint                 `json:"id"`
	Username    string               `json:"username"`
	VendorID    string               `json:"vid"`
	ProductID   string               `json:"pid"`
	Serial      *string              `json:"serial"`
	DeviceName  string               `json:"device_name,omitempty"`
	DeviceInfo  string               `json:"device_info,omitempty"`
	Status      device.RequestStatus `json:"status"`
	AgentID     string               `json:"agent_id,omitempty"`
	RequestedAt time.Time            `json:"requested_at"`
	ResolvedAt  *time.Time           `json:"resolved_at,omitempty"`
	ResolvedBy  string               `json:"resolved_by,omitempty"`
}

func (r *AuthorizationRequest) View() RequestView {
	id := r.Device.Identity()
	return RequestView{
		ID:          r.ID,
		Username:    r.User.Username,
		VendorID:    id.VendorID,
		ProductID:   id.ProductID,
		Serial:      id.Serial,
		DeviceName:  r.Device.Name,
		DeviceInfo:  r.DeviceInfo,
		Status:      r.Status,
		AgentID:     r.AgentID,
		RequestedAt: r.RequestedAt,
		ResolvedAt:  r.ResolvedAt,
		ResolvedBy:  r.ResolvedBy,
	}
}

// RequestFilter narrows ListRequests. Dates are YYYY-MM-DD and inclusive.
// Limit <= 0 returns every match.
type RequestFilter struct {
	Status   device.RequestStatus
	Username string
	DateFrom string
	DateTo   string
	Limit    int
}

const dateLayout = "2006-01-02"

var ErrInvalidFilter = errors.New("invalid request filter")

func (s *Store) ListRequests(ctx context.Context, f RequestFilter) ([]RequestView, error) {
	q := s.db.WithContext(ctx).
		Preload("User").Preload("Device").
		Joins("JOIN users ON users.id = authorization_requests.user_id").
		Order("authorization_requests.requested_at DESC, authorization_requests.id DESC")

	if f.Status != "" {
		q = q.Where("authorization_requests.status = ?", f.Status)
	}
	if f.Username != "" {
		q = q.Where("users.username LIKE ?", "%"+f.Username+"%")
	}
	if f.DateFrom != "" {
		from, err := time.Parse(dateLayout, f.DateFrom)
		if err != nil {
			return nil, fmt.Errorf("%w: date_from %q: %v", ErrInvalidFilter, f.DateFrom, err)
		}
		q = q.Where("authorization_requests.requested_at >= ?", from)
	}
	if f.DateTo != "" {
		to, err := time.Parse(dateLayout, f.DateTo)
		if err != nil {
			return nil, fmt.Errorf("%w: date_to %q: %v", ErrInvalidFilter, f.DateTo, err)
		}
		q = q.Where("authorization_requests.requested_at < ?", to.AddDate(0, 0, 1))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []AuthorizationRequest
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]RequestView, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].View())
	}
	return out, nil
}

// PendingRequests lists pending requests oldest first.
func (s *Store) PendingRequests(ctx context.Context) ([]RequestView, error) {
	var rows []AuthorizationRequest
	err := s.db.WithContext(ctx).
		Preload("User").Preload("Device").
		Where("status = ?", device.StatusPending).
		Order("requested_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]RequestView, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].View())
	}
	return out, nil
}

type UserSummary struct {
	ID          uint      `json:"id"`
	Username    string    `json:"username"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	DeviceCount int64     `json:"device_count"`
}

// ListUsers returns every user with the number of devices they may mount.
func (s *Store) ListUsers(ctx context.Context) ([]UserSummary, error) {
	var users []User
	if err := s.db.WithContext(ctx).Order("username ASC").Find(&users).Error; err != nil {
		return nil, err
	}
	type countRow struct {
		UserID uint
		N      int64
	}
	var counts []countRow
	err := s.db.WithContext(ctx).Model(&Permission{}).
		Select("user_id, COUNT(*) AS n").
		Where("decision = ?", device.Allowed).
		Group("user_id").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	byUser := make(map[uint]int64, len(counts))
	for _, c := range counts {
		byUser[c.UserID] = c.N
	}
	out := make([]UserSummary, 0, len(users))
	for _, u := range users {
		out = append(out, UserSummary{
			ID:          u.ID,
			Username:    u.Username,
			CreatedAt:   u.CreatedAt,
			LastSeenAt:  u.LastSeenAt,
			DeviceCount: byUser[u.ID],
		})
	}
	return out, nil
}

type UserDevice struct {
	DeviceID  uint           `json:"device_id"`
	VendorID  string         `json:"vid"`
	ProductID string         `json:"pid"`
	Serial    *string        `json:"serial"`
	Name      string         `json:"name,omitempty"`
	Decision  device.Verdict `json:"decision"`
	UpdatedAt time.Time      `json:"updated_at"`
	UpdatedBy string         `json:"updated_by,omitempty"`
}

// UserDevices lists every recorded decision for a user.
func (s *Store) UserDevices(ctx context.Context, userID uint) ([]UserDevice, error) {
	var perms []Permission
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&perms).Error
	if err != nil {
		return nil, err
	}
	if len(perms) == 0 {
		return []UserDevice{}, nil
	}
	ids := make([]uint, 0, len(perms))
	for _, p := range perms {
		ids = append(ids, p.DeviceID)
	}
	var devices []Device
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&devices).Error; err != nil {
		return nil, err
	}
	byID := make(map[uint]Device, len(devices))
	for _, d := range devices {
		byID[d.ID] = d
	}
	out := make([]UserDevice, 0, len(perms))
	for _, p := range perms {
		d := byID[p.DeviceID]
		id := d.Identity()
		out = append(out, UserDevice{
			DeviceID:  d.ID,
			VendorID:  id.VendorID,
			ProductID: id.ProductID,
			Serial:    id.Serial,
			Name:      d.Name,
			Decision:  p.Decision,
			UpdatedAt: p.UpdatedAt,
			UpdatedBy: p.UpdatedBy,
		})
	}
	return out, nil
}
