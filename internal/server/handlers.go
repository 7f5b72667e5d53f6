package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetpulse/fleetpulse/internal/store"
)

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReadyz gates readiness on broker connectivity; a service that cannot
// receive telemetry should not take traffic.
func (s *Server) handleReadyz(c *gin.Context) {
	if !s.coll.BrokerConnected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.coll.Snapshot(s.clk.Now(), s.cache.Len()))
}

// handleSummary serves windowed aggregates over the rollup table.
func (s *Server) handleSummary(c *gin.Context) {
	start, end, err := parseTimeRange(c, s.clk.Now(), true)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	windowSeconds := s.store.BaseWindow()
	if w, err := parseOptionalInt64(c.Query("windowSeconds")); err != nil {
		AbortWithError(c, badRequest("invalid_window_seconds"))
		return
	} else if w != nil {
		windowSeconds = *w
	}

	result, err := s.store.Aggregates(c.Request.Context(), store.AggregateQuery{
		VehicleIDs:    parseVehicleIDs(c),
		Start:         start,
		End:           end,
		WindowSeconds: windowSeconds,
		Selection:     c.QueryArray("aggregate"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleHistory serves one ascending page of the event log.
func (s *Server) handleHistory(c *gin.Context) {
	start, end, err := parseTimeRange(c, s.clk.Now(), false)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	limit := 0
	if l, err := parseOptionalInt64(c.Query("limit")); err != nil {
		AbortWithError(c, badRequest("invalid_limit"))
		return
	} else if l != nil {
		limit = int(*l)
	}

	page, err := s.store.History(c.Request.Context(), store.HistoryQuery{
		VehicleIDs: parseVehicleIDs(c),
		Start:      start,
		End:        end,
		Limit:      limit,
		PageToken:  c.Query("pageToken"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}
