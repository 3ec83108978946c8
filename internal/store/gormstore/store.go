// Package gormstore persists the order archive in SQLite through gorm. One
// head row per order plus one row per status transition. Archiving the same
// order again upserts the head and backfills missing transitions, so a
// mid-flight checkpoint and the final terminal write land on the same rows.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"conclave/internal/order"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when an order id has never been archived.
var ErrNotFound = errors.New("order not found in archive")

// Store is the order archive backed by gorm + SQLite.
type Store struct {
	db *gorm.DB
}

// New opens (or creates) the archive database at path and migrates its
// schema.
func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("order archive: path is empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&ArchivedOrderModel{}, &OrderTransitionModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a little parallelism for the HTTP readers without
	// piling up lock contention.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// headUpdateColumns are the fields a repeated archive of the same order is
// allowed to move. Identity columns stay as first written.
var headUpdateColumns = []string{
	"status", "platform", "stop_loss", "take_profit", "trailing_stop_pct",
	"document", "archived_at",
}

// Archive writes one order and its status history. Safe to call more than
// once per order; the head row is updated in place and transitions already
// present are left untouched.
func (s *Store) Archive(ctx context.Context, o *order.Order) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("order archive: not initialized")
	}
	if o == nil || strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("order archive: order id is empty")
	}
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("order archive: encode order %s: %w", o.ID, err)
	}
	now := time.Now().Unix()
	head := ArchivedOrderModel{
		OrderID:         o.ID,
		Asset:           o.Asset,
		AssetClass:      string(o.AssetClass),
		Action:          string(o.Action),
		OrderType:       string(o.OrderType),
		SizingPct:       o.SizingPct,
		EntryPriceLimit: o.EntryPriceLimit,
		StopLoss:        o.StopLoss,
		TakeProfit:      o.TakeProfit,
		TrailingStopPct: o.TrailingStopPct,
		Consensus:       o.ConsensusLevel.String(),
		Platform:        o.AssignedPlatform,
		Status:          string(o.Status),
		TTLSeconds:      o.TTLSeconds,
		Document:        datatypes.JSON(doc),
		CreatedAtUnix:   o.CreatedAt.Unix(),
		ArchivedAtUnix:  now,
	}
	transitions := make([]OrderTransitionModel, 0, len(o.History))
	for i, ch := range o.History {
		details, err := json.Marshal(ch)
		if err != nil {
			return fmt.Errorf("order archive: encode transition %d of order %s: %w", i, o.ID, err)
		}
		transitions = append(transitions, OrderTransitionModel{
			OrderID:       o.ID,
			Seq:           i,
			FromStatus:    string(ch.From),
			ToStatus:      string(ch.To),
			ChangedBy:     ch.ChangedBy,
			Reason:        ch.Reason,
			Details:       datatypes.JSON(details),
			AtUnixMilli:   ch.At.UnixMilli(),
			CreatedAtUnix: now,
		})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "order_id"}},
				DoUpdates: clause.AssignmentColumns(headUpdateColumns),
			}).
			Create(&head).Error; err != nil {
			return err
		}
		if len(transitions) == 0 {
			return nil
		}
		return tx.
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "order_id"}, {Name: "seq"}},
				DoNothing: true,
			}).
			Create(&transitions).Error
	})
}

// Get returns one archived order by id, rebuilt from its JSON document.
func (s *Store) Get(ctx context.Context, orderID string) (*order.Order, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("order archive: not initialized")
	}
	var m ArchivedOrderModel
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeOrder(m)
}

// ListRecent returns the newest archived orders, most recent first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*order.Order, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("order archive: not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var models []ArchivedOrderModel
	err := s.db.WithContext(ctx).
		Order("archived_at DESC, id DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return decodeOrders(models)
}

// ListOpen returns archived orders still in a live status. After a crash
// these are the orders the tracker re-adopts at startup.
func (s *Store) ListOpen(ctx context.Context) ([]*order.Order, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("order archive: not initialized")
	}
	var models []ArchivedOrderModel
	err := s.db.WithContext(ctx).
		Where("status IN ?", openStatuses()).
		Order("created_at ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return decodeOrders(models)
}

// Transitions returns the status history of one order in firing sequence.
func (s *Store) Transitions(ctx context.Context, orderID string) ([]order.StatusChange, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("order archive: not initialized")
	}
	var models []OrderTransitionModel
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("seq ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	changes := make([]order.StatusChange, 0, len(models))
	for _, m := range models {
		changes = append(changes, order.StatusChange{
			From:      order.Status(m.FromStatus),
			To:        order.Status(m.ToStatus),
			ChangedBy: m.ChangedBy,
			Reason:    m.Reason,
			At:        time.UnixMilli(m.AtUnixMilli).UTC(),
		})
	}
	return changes, nil
}

// CountByStatus tallies archived orders per status for the status surface.
func (s *Store) CountByStatus(ctx context.Context) (map[order.Status]int, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("order archive: not initialized")
	}
	type row struct {
		Status string
		N      int
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&ArchivedOrderModel{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[order.Status]int, len(rows))
	for _, r := range rows {
		out[order.Status(r.Status)] = r.N
	}
	return out, nil
}

func decodeOrder(m ArchivedOrderModel) (*order.Order, error) {
	var o order.Order
	if err := json.Unmarshal(m.Document, &o); err != nil {
		return nil, fmt.Errorf("order archive: decode order %s: %w", m.OrderID, err)
	}
	return &o, nil
}

func decodeOrders(models []ArchivedOrderModel) ([]*order.Order, error) {
	out := make([]*order.Order, 0, len(models))
	for _, m := range models {
		o, err := decodeOrder(m)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func openStatuses() []string {
	all := []order.Status{
		order.StatusPending, order.StatusValidating, order.StatusExecuting,
		order.StatusFilled, order.StatusPartiallyFilled, order.StatusPlatformRejected,
		order.StatusConstraintRejected, order.StatusCancelled, order.StatusExpired,
	}
	open := make([]string, 0, 3)
	for _, st := range all {
		if !order.IsTerminal(st) {
			open = append(open, string(st))
		}
	}
	return open
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
