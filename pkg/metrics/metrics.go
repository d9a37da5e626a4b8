package metrics

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"
)

// AttemptMetric represents one issued HTTP attempt
type AttemptMetric struct {
	Duration   time.Duration `json:"-"`
	StatusCode int           `json:"status_code"`
	Error      string        `json:"error,omitempty"`
	Success    bool          `json:"success"`
}

// DurationSeconds returns the duration in seconds as a float64
func (a *AttemptMetric) DurationSeconds() float64 {
	return float64(a.Duration) / float64(time.Second)
}

// MarshalJSON implements custom JSON marshaling for AttemptMetric
func (a *AttemptMetric) MarshalJSON() ([]byte, error) {
	type Alias AttemptMetric
	return json.Marshal(&struct {
		DurationSeconds float64 `json:"duration_seconds"`
		*Alias
	}{
		DurationSeconds: a.DurationSeconds(),
		Alias:           (*Alias)(a),
	})
}

// ExchangeMetrics summarizes a complete request, retries included
type ExchangeMetrics struct {
	RequestID            string          `json:"request_id"`
	Method               string          `json:"method"`
	URL                  string          `json:"url"`
	URLHash              string          `json:"url_hash"`
	SessionKey           string          `json:"session_key"`
	FinalStatus          string          `json:"final_status"` // "succeeded" or "failed"
	FinalCode            int             `json:"final_code"`
	TotalDurationSeconds float64         `json:"total_duration_seconds"`
	TotalAttempts        int             `json:"total_attempts"`
	SuccessfulAttempts   int             `json:"successful_attempts"`
	FailedAttempts       int             `json:"failed_attempts"`
	Attempts             []AttemptMetric `json:"attempts"`
	Timestamp            int64           `json:"timestamp"` // Unix timestamp
}

// NewExchangeMetrics creates a new ExchangeMetrics instance
func NewExchangeMetrics(requestID, method, url, sessionKey string, finalCode int, totalDuration time.Duration, attempts []AttemptMetric) *ExchangeMetrics {
	finalStatus := "failed"
	if finalCode >= 200 && finalCode < 300 {
		finalStatus = "succeeded"
	}

	successfulAttempts := 0
	failedAttempts := 0
	for _, attempt := range attempts {
		if attempt.Success {
			successfulAttempts++
		} else {
			failedAttempts++
		}
	}

	return &ExchangeMetrics{
		RequestID:            requestID,
		Method:               method,
		URL:                  url,
		URLHash:              generateURLHash(method, url),
		SessionKey:           sessionKey,
		FinalStatus:          finalStatus,
		FinalCode:            finalCode,
		TotalDurationSeconds: float64(totalDuration) / float64(time.Second),
		TotalAttempts:        len(attempts),
		SuccessfulAttempts:   successfulAttempts,
		FailedAttempts:       failedAttempts,
		Attempts:             attempts,
		Timestamp:            time.Now().Unix(),
	}
}

// generateURLHash creates a consistent hash for a method and URL pair
func generateURLHash(method, url string) string {
	hash := sha256.Sum256([]byte(method + " " + url))
	// Return first 8 characters of hex representation
	return fmt.Sprintf("%x", hash)[:8]
}
