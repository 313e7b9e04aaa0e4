// Package store persists users, devices, permissions and authorization
// requests. It is the Permission Store consulted before any pending request is
// created.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/usbgate/pkg/device"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("record not found")

type Store struct {
	db *gorm.DB
}

// Open connects to the sqlite database at path. SQLite allows a single writer,
// so the pool is capped at one connection.
func Open(path string) (*gorm.DB, error) {
	dsn := path
	if path != ":memory:" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		dsn = path + sep + "_foreign_keys=on&_busy_timeout=5000"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(AllModels()...)
}

// Transaction runs fn against a transactional Store; any error rolls back.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// Ping checks the underlying connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// TouchUser returns the user, creating it on first sight, and bumps LastSeenAt.
func (s *Store) TouchUser(ctx context.Context, username string) (*User, error) {
	now := time.Now().UTC()
	db := s.db.WithContext(ctx)
	candidate := User{Username: username, CreatedAt: now, LastSeenAt: now}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	var user User
	if err := db.Where("username = ?", username).First(&user).Error; err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if err := db.Model(&user).Update("last_seen_at", now).Error; err != nil {
		return nil, fmt.Errorf("touch user: %w", err)
	}
	user.LastSeenAt = now
	return &user, nil
}

func (s *Store) FindUser(ctx context.Context, username string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// EnsureDevice returns the device row for id, creating it if needed. A
// non-empty name is stored on creation only.
func (s *Store) EnsureDevice(ctx context.Context, id device.Identity, name string) (*Device, error) {
	db := s.db.WithContext(ctx)
	candidate := Device{
		VendorID:  id.VendorID,
		ProductID: id.ProductID,
		HasSerial: id.HasSerial(),
		Serial:    id.SerialValue(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
		return nil, fmt.Errorf("create device: %w", err)
	}
	return s.FindDevice(ctx, id)
}

func (s *Store) FindDevice(ctx context.Context, id device.Identity) (*Device, error) {
	var dev Device
	err := s.db.WithContext(ctx).
		Where("vendor_id = ? AND product_id = ? AND has_serial = ? AND serial = ?",
			id.VendorID, id.ProductID, id.HasSerial(), id.SerialValue()).
		First(&dev).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &dev, nil
}

func (s *Store) GetDevice(ctx context.Context, id uint) (*Device, error) {
	var dev Device
	if err := s.db.WithContext(ctx).First(&dev, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &dev, nil
}

func (s *Store) FindPermission(ctx context.Context, userID, deviceID uint) (*Permission, error) {
	var perm Permission
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		First(&perm).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &perm, nil
}

// PutPermission writes the decision for a pair, overwriting any previous one.
func (s *Store) PutPermission(ctx context.Context, userID, deviceID uint, decision device.Verdict, by string) error {
	if !decision.Final() {
		return fmt.Errorf("permission decision must be allowed or denied, got %q", decision)
	}
	now := time.Now().UTC()
	perm := Permission{
		UserID:    userID,
		DeviceID:  deviceID,
		Decision:  decision,
		CreatedAt: now,
		UpdatedAt: now,
		UpdatedBy: by,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"decision", "updated_at", "updated_by"}),
	}).Create(&perm).Error
}

// DeletePermission reports whether a permission existed.
func (s *Store) DeletePermission(ctx context.Context, userID, deviceID uint) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		Delete(&Permission{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Store) FindPendingRequest(ctx context.Context, userID, deviceID uint) (*AuthorizationRequest, error) {
	var req AuthorizationRequest
	err := s.db.WithContext(ctx).
		Preload("User").Preload("Device").
		Where("pending_key = ?", pendingKey(userID, deviceID)).
		First(&req).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &req, nil
}

// CreateRequest inserts a pending request. A concurrent pending request for the
// same pair surfaces as gorm.ErrDuplicatedKey.
func (s *Store) CreateRequest(ctx context.Context, req *AuthorizationRequest) error {
	key := pendingKey(req.UserID, req.DeviceID)
	req.Status = device.StatusPending
	req.PendingKey = &key
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Omit(clause.Associations).Create(req).Error
}

func (s *Store) GetRequest(ctx context.Context, id uint) (*AuthorizationRequest, error) {
	var req AuthorizationRequest
	if err := s.db.WithContext(ctx).Preload("User").Preload("Device").First(&req, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &req, nil
}

// MarkResolved moves a pending request to a terminal status. It returns false
// when the request was no longer pending.
func (s *Store) MarkResolved(ctx context.Context, id uint, status device.RequestStatus, by string, at time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}
	result := s.db.WithContext(ctx).Model(&AuthorizationRequest{}).
		Where("id = ? AND status = ?", id, device.StatusPending).
		Updates(map[string]interface{}{
			"status":      status,
			"resolved_at": at,
			"resolved_by": by,
			"pending_key": nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// PruneResolved deletes terminal requests resolved before cutoff.
func (s *Store) PruneResolved(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("status <> ? AND resolved_at < ?", device.StatusPending, cutoff).
		Delete(&AuthorizationRequest{})
	return result.RowsAffected, result.Error
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func itoa(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}

// OpenMemory returns a migrated Store on a private in-memory database.
func OpenMemory(name string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s-%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}
	s := New(db)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}
