package statushttp

import (
	"fmt"
	"net/http"

	"conclave/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

// handleEquity renders the equity curve as a self-contained HTML chart.
func (r *Router) handleEquity(c *gin.Context) {
	if r.perf == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "performance tracker not enabled"})
		return
	}
	points := r.perf.EquityCurve()
	stats := r.perf.Stats()

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:     types.ThemeWesteros,
			PageTitle: "Equity",
			Width:     "1200px",
			Height:    "600px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title: "Account equity",
			Subtitle: fmt.Sprintf("realized %+.2f USD | win rate %.1f%% (%d/%d) | max drawdown %.2f%%",
				stats.RealizedPnLUSD, stats.WinRatePct, stats.Wins, stats.Wins+stats.Losses, stats.MaxDrawdownPct),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
	)

	x := make([]string, 0, len(points))
	y := make([]opts.LineData, 0, len(points))
	for _, p := range points {
		x = append(x, p.At.Format("01-02 15:04:05"))
		y = append(y, opts.LineData{Value: p.TotalValueUSD})
	}
	line.SetXAxis(x)
	line.AddSeries("Total value (USD)", y,
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
		charts.WithLineStyleOpts(opts.LineStyle{Width: 2}),
	)

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := line.Render(c.Writer); err != nil {
		logger.Errorf("Equity chart render failed: %v", err)
	}
}
