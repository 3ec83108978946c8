package gormstore

import (
	"gorm.io/datatypes"
)

// ArchivedOrderModel is the head row of one archived order. Trading fields
// are flattened into scalar columns for querying; the full order document
// rides along as JSON so nothing is lost to the schema.
type ArchivedOrderModel struct {
	ID              int64          `gorm:"column:id;primaryKey"`
	OrderID         string         `gorm:"column:order_id;uniqueIndex"`
	Asset           string         `gorm:"column:asset;index"`
	AssetClass      string         `gorm:"column:asset_class"`
	Action          string         `gorm:"column:action"`
	OrderType       string         `gorm:"column:order_type"`
	SizingPct       float64        `gorm:"column:sizing_pct"`
	EntryPriceLimit float64        `gorm:"column:entry_price_limit"`
	StopLoss        float64        `gorm:"column:stop_loss"`
	TakeProfit      float64        `gorm:"column:take_profit"`
	TrailingStopPct float64        `gorm:"column:trailing_stop_pct"`
	Consensus       string         `gorm:"column:consensus"`
	Platform        string         `gorm:"column:platform"`
	Status          string         `gorm:"column:status;index"`
	TTLSeconds      int            `gorm:"column:ttl_seconds"`
	Document        datatypes.JSON `gorm:"column:document;type:TEXT"`
	CreatedAtUnix   int64          `gorm:"column:created_at"`
	ArchivedAtUnix  int64          `gorm:"column:archived_at;index"`
}

func (ArchivedOrderModel) TableName() string { return "archived_orders" }

// OrderTransitionModel is one status change of an archived order. The
// (order_id, seq) key makes re-archiving idempotent: transitions already
// written are skipped, new ones are appended.
type OrderTransitionModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	OrderID       string         `gorm:"column:order_id;uniqueIndex:idx_order_transition,priority:1"`
	Seq           int            `gorm:"column:seq;uniqueIndex:idx_order_transition,priority:2"`
	FromStatus    string         `gorm:"column:from_status"`
	ToStatus      string         `gorm:"column:to_status"`
	ChangedBy     string         `gorm:"column:changed_by"`
	Reason        string         `gorm:"column:reason"`
	Details       datatypes.JSON `gorm:"column:details;type:TEXT"`
	AtUnixMilli   int64          `gorm:"column:at"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
}

func (OrderTransitionModel) TableName() string { return "order_transitions" }
