package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/titanops/titan/internal/bus"
	"github.com/titanops/titan/internal/pipeline"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Signature"

// TypeHeartbeat is the producer liveness beat, delivered over the same signed
// webhook as trading signals.
const TypeHeartbeat = "HEARTBEAT"

// Sign computes the webhook signature for a payload. Exported for the
// producer-side client and the tests.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// handleWebhook is the signal ingress. Signature failures are the only 4xx:
// once the payload is authenticated, every domain rejection comes back as a
// 200 with {success:false, reason} so the producer never retries a veto.
func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "reason": "unreadable body"})
		return
	}

	signature := c.GetHeader(SignatureHeader)
	if !hmac.Equal([]byte(Sign(s.secret, body)), []byte(signature)) {
		log.Warn().Str("client_ip", c.ClientIP()).Msg("Webhook signature rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "reason": "invalid signature"})
		return
	}

	var probe struct {
		Type   string `json:"type"`
		Source string `json:"source"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "reason": pipeline.ReasonInvalidPayload})
		return
	}

	if probe.Type == TypeHeartbeat {
		if s.deps.Heartbeat != nil {
			s.deps.Heartbeat.Beat()
		}
		if s.deps.Bus != nil {
			s.deps.Bus.Publish(bus.TopicHeartbeatReceived, bus.Heartbeat{
				Source:    probe.Source,
				Timestamp: time.Now(),
			})
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}

	var sig pipeline.Signal
	if err := json.Unmarshal(body, &sig); err != nil || sig.SignalID == "" || sig.Type == "" {
		c.JSON(http.StatusOK, gin.H{"success": false, "reason": pipeline.ReasonInvalidPayload})
		return
	}

	outcome := s.deps.Pipeline.HandleSignal(c.Request.Context(), sig)
	c.JSON(http.StatusOK, outcome)
}
