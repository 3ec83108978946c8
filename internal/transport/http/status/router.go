package statushttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"conclave/internal/briefing"
	"conclave/internal/bus"
	"conclave/internal/guard"
	"conclave/internal/monitor"
	"conclave/internal/order"
	"conclave/internal/portfolio"
	"conclave/internal/store/auditlog"
	"conclave/internal/store/gormstore"

	"github.com/gin-gonic/gin"
)

// OrderArchive is the slice of the order store the API reads.
type OrderArchive interface {
	Get(ctx context.Context, orderID string) (*order.Order, error)
	ListRecent(ctx context.Context, limit int) ([]*order.Order, error)
	Transitions(ctx context.Context, orderID string) ([]order.StatusChange, error)
	CountByStatus(ctx context.Context) (map[order.Status]int, error)
}

// AuditLog is the slice of the compliance store the API reads.
type AuditLog interface {
	ListEntries(ctx context.Context, q auditlog.EntryQuery) ([]guard.AuditEntry, error)
	CountEntries(ctx context.Context, q auditlog.EntryQuery) (int, error)
	ListCycles(ctx context.Context, limit int) ([]auditlog.CycleRecord, error)
}

// TriggerStatusSource reports the deliberation trigger's state.
type TriggerStatusSource interface {
	Status(ctx context.Context) briefing.TriggerStatus
}

// VenueStatusSource reports per-platform circuit breaker state.
type VenueStatusSource interface {
	BreakerStates() map[string]string
}

// ServerConfig lists the data sources the status surface reads from. Any
// of them may be nil; the matching endpoints answer 503.
type ServerConfig struct {
	Addr    string
	Trigger TriggerStatusSource
	Orders  OrderArchive
	Audit   AuditLog
	Book    *portfolio.Book
	Perf    *monitor.PerformanceTracker
	Venues  VenueStatusSource
	Bus     *bus.Bus
}

// Router answers the /api queries.
type Router struct {
	trigger TriggerStatusSource
	orders  OrderArchive
	audit   AuditLog
	book    *portfolio.Book
	perf    *monitor.PerformanceTracker
	venues  VenueStatusSource
}

func NewRouter(cfg ServerConfig) *Router {
	return &Router{
		trigger: cfg.Trigger,
		orders:  cfg.Orders,
		audit:   cfg.Audit,
		book:    cfg.Book,
		perf:    cfg.Perf,
		venues:  cfg.Venues,
	}
}

// Register mounts the API routes under group.
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/status", r.handleStatus)
	group.GET("/orders", r.handleOrders)
	group.GET("/orders/:id", r.handleOrderByID)
	group.GET("/audit", r.handleAudit)
	group.GET("/cycles", r.handleCycles)
	group.GET("/portfolio", r.handlePortfolio)
}

func (r *Router) handleStatus(c *gin.Context) {
	out := gin.H{"time": time.Now().UTC()}
	if r.trigger != nil {
		out["trigger"] = r.trigger.Status(c.Request.Context())
	}
	if r.orders != nil {
		counts, err := r.orders.CountByStatus(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out["orders"] = counts
	}
	if r.perf != nil {
		out["performance"] = r.perf.Stats()
	}
	if r.venues != nil {
		out["venues"] = r.venues.BreakerStates()
	}
	c.JSON(http.StatusOK, out)
}

func (r *Router) handleOrders(c *gin.Context) {
	if r.orders == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "order archive not enabled"})
		return
	}
	limit := queryInt(c, "limit", 50)
	list, err := r.orders.ListRecent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list, "count": len(list)})
}

func (r *Router) handleOrderByID(c *gin.Context) {
	if r.orders == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "order archive not enabled"})
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	o, err := r.orders.Get(c.Request.Context(), id)
	if errors.Is(err, gormstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown order id"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	transitions, err := r.orders.Transitions(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o, "transitions": transitions})
}

func (r *Router) handleAudit(c *gin.Context) {
	if r.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit log not enabled"})
		return
	}
	q := auditlog.EntryQuery{
		MandateID: c.Query("mandate_id"),
		OrderID:   c.Query("order_id"),
		ToolName:  c.Query("tool"),
		Verdict:   c.Query("verdict"),
		Limit:     queryInt(c, "limit", 100),
		Offset:    queryInt(c, "offset", 0),
	}
	entries, err := r.audit.ListEntries(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	total, err := r.audit.CountEntries(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries), "total": total})
}

func (r *Router) handleCycles(c *gin.Context) {
	if r.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit log not enabled"})
		return
	}
	cycles, err := r.audit.ListCycles(c.Request.Context(), queryInt(c, "limit", 20))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": cycles, "count": len(cycles)})
}

func (r *Router) handlePortfolio(c *gin.Context) {
	if r.book == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "portfolio book not enabled"})
		return
	}
	snap, err := r.book.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := gin.H{"snapshot": snap, "closed_trades": r.book.ClosedTrades()}
	if r.perf != nil {
		out["performance"] = r.perf.Stats()
	}
	c.JSON(http.StatusOK, out)
}

func queryInt(c *gin.Context, name string, def int) int {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
