package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/usbgate/pkg/store"
	"gorm.io/gorm"
)

var errNonceReplay = errors.New("nonce replay detected")

// NonceStore rejects a nonce seen twice from one agent within the signature
// window. Entries older than the window are pruned lazily.
type NonceStore struct {
	db     *gorm.DB
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	lastPrune time.Time
}

func NewNonceStore(db *gorm.DB, window time.Duration) *NonceStore {
	return &NonceStore{db: db, window: window, now: time.Now}
}

func (s *NonceStore) CheckAndStore(ctx context.Context, agentID, nonce string, ts time.Time) error {
	if agentID == "" || nonce == "" {
		return errors.New("missing agent or nonce")
	}
	db := s.db.WithContext(ctx)

	if err := s.prune(db); err != nil {
		return err
	}

	record := store.AgentNonce{AgentID: agentID, Nonce: nonce, SeenAt: ts}
	if err := db.Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errNonceReplay
		}
		return err
	}
	return nil
}

func (s *NonceStore) prune(db *gorm.DB) error {
	now := s.now()
	s.mu.Lock()
	due := now.Sub(s.lastPrune) >= s.window/4
	if due {
		s.lastPrune = now
	}
	s.mu.Unlock()
	if !due {
		return nil
	}
	return db.Where("seen_at < ?", now.Add(-s.window)).Delete(&store.AgentNonce{}).Error
}
