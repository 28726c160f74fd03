package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/titanops/titan/internal/regime"
	"github.com/titanops/titan/internal/store"
)

func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "config": s.deps.Config.GetConfig()})
}

// configUpdate is the POST /api/config body. Sections are applied
// independently; a nil section is left untouched.
type configUpdate struct {
	Risk *struct {
		Phase1RiskPct float64 `json:"phase_1_risk_pct"`
		Phase2RiskPct float64 `json:"phase_2_risk_pct"`
	} `json:"risk,omitempty"`
	Whitelist *struct {
		Enabled *bool           `json:"enabled,omitempty"`
		Assets  map[string]bool `json:"assets,omitempty"`
	} `json:"whitelist,omitempty"`
	Broker *struct {
		Name      string `json:"name"`
		APIKey    string `json:"api_key"`
		APISecret string `json:"api_secret"`
	} `json:"broker,omitempty"`
}

func (s *Server) handleUpdateConfig(c *gin.Context) {
	var upd configUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "reason": err.Error()})
		return
	}

	if upd.Risk != nil {
		if err := s.deps.Config.UpdateRiskTuner(upd.Risk.Phase1RiskPct, upd.Risk.Phase2RiskPct); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "reason": err.Error()})
			return
		}
	}
	if upd.Whitelist != nil {
		if upd.Whitelist.Enabled != nil {
			s.deps.Config.SetWhitelistEnabled(*upd.Whitelist.Enabled)
		}
		for symbol, enabled := range upd.Whitelist.Assets {
			if err := s.deps.Config.UpdateAssetWhitelist(symbol, enabled); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"success": false, "reason": err.Error()})
				return
			}
		}
	}
	if upd.Broker != nil {
		// Credentials are validated against the live venue before they
		// replace the active pair.
		if err := s.deps.Config.UpdateAPIKeys(c.Request.Context(), upd.Broker.Name, upd.Broker.APIKey, upd.Broker.APISecret); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "reason": err.Error()})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "config": s.deps.Config.GetConfig()})
}

// handleRegimeUpdate ingests a regime vector pushed by the external regime
// engine.
func (s *Server) handleRegimeUpdate(c *gin.Context) {
	if s.deps.Regime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "reason": "regime ingress disabled"})
		return
	}
	var v regime.Vector
	if err := c.ShouldBindJSON(&v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "reason": err.Error()})
		return
	}
	if v.Symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "reason": "symbol required"})
		return
	}
	s.deps.Regime.Update(v)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleTestConnection(c *gin.Context) {
	if err := s.deps.Gateway.TestConnection(c.Request.Context()); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	stats := s.deps.Shadow.GetStats()
	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"auto_exec_enabled": s.deps.Pipeline.Armed(),
		"phase":             s.deps.Phase.Current(),
		"open_positions":    stats.OpenPositions,
		"pending_intents":   stats.PendingIntents,
		"total_trades":      stats.TotalTrades,
		"total_pnl":         stats.TotalPnL,
		"win_rate":          stats.WinRate,
	})
}

func (s *Server) handleAutoExecEnable(c *gin.Context) {
	s.deps.Pipeline.Enable()
	c.JSON(http.StatusOK, gin.H{"success": true, "auto_exec_enabled": true})
}

func (s *Server) handleAutoExecDisable(c *gin.Context) {
	s.deps.Pipeline.Disable("OPERATOR_DISABLE")
	c.JSON(http.StatusOK, gin.H{"success": true, "auto_exec_enabled": false})
}

func (s *Server) handleEmergencyFlatten(c *gin.Context) {
	operator := c.Query("operator_id")
	if operator == "" {
		operator = c.ClientIP()
	}
	log.Error().Str("operator_id", operator).Msg("Emergency flatten requested over API")

	report := s.deps.Panic.FlattenAll(c.Request.Context(), operator)
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}

func (s *Server) handleCancelAll(c *gin.Context) {
	operator := c.Query("operator_id")
	if operator == "" {
		operator = c.ClientIP()
	}

	report := s.deps.Panic.CancelAll(operator)
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}

func (s *Server) handleTrades(c *gin.Context) {
	filter := store.TradeFilter{Limit: 100}

	if v := c.Query("start_date"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "reason": "invalid start_date"})
			return
		}
		filter.StartDate = t
	}
	if v := c.Query("end_date"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "reason": "invalid end_date"})
			return
		}
		filter.EndDate = t
	}
	filter.Symbol = c.Query("symbol")
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "reason": "invalid limit"})
			return
		}
		filter.Limit = n
	}

	trades, err := s.deps.Store.QueryTrades(c.Request.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("Trade query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "reason": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "trades": trades, "count": len(trades)})
}

func (s *Server) handleActivePositions(c *gin.Context) {
	rows, err := s.deps.Store.ActivePositions(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("Position query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "reason": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"positions": rows,
		"live":      s.deps.Shadow.GetAllPositions(),
	})
}

func (s *Server) handlePerformanceSummary(c *gin.Context) {
	sum, err := s.deps.Store.PerformanceSummary(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("Performance query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "reason": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "summary": sum})
}

// parseDate accepts a date or a full RFC 3339 timestamp.
func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}
