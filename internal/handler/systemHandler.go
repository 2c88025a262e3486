package handler

import (
	"net/http"

	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/circuitbreaker"
	"github.com/gin-gonic/gin"
)

// Handles system-related endpoints
type SystemHandler struct {
	breakers *circuitbreaker.Group
}

func NewSystemHandler(breakers *circuitbreaker.Group) *SystemHandler {
	return &SystemHandler{
		breakers: breakers,
	}
}

// Returns the status of the LeMUR circuit breakers, one per key fingerprint
func (h *SystemHandler) CircuitBreakerStatus(c *gin.Context) {
	statuses := make(map[string]interface{})

	for fingerprint, metrics := range h.breakers.Metrics() {
		statuses[fingerprint] = gin.H{
			"state":             metrics.State.String(),
			"failure_count":     metrics.FailureCount,
			"success_count":     metrics.SuccessCount,
			"opens":             metrics.Opens,
			"last_failure_time": metrics.LastFailureTime,
			"last_state_change": metrics.LastStateChange,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"lemur": statuses,
		"open":  h.breakers.Open(),
	})
}

// Manually resets one breaker (?fingerprint=) or all of them
func (h *SystemHandler) ResetCircuitBreaker(c *gin.Context) {
	fingerprint := c.Query("fingerprint")
	if fingerprint == "" {
		h.breakers.ResetAll()
		c.JSON(http.StatusOK, gin.H{
			"message": "Circuit breakers reset successfully",
			"service": "lemur",
		})
		return
	}

	breaker, exists := h.breakers.Lookup(fingerprint)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Circuit breaker not found",
		})
		return
	}

	breaker.Reset()

	c.JSON(http.StatusOK, gin.H{
		"message":     "Circuit breaker reset successfully",
		"service":     "lemur",
		"fingerprint": fingerprint,
	})
}
