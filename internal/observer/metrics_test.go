package observer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeErrorType(t *testing.T) {
	tests := map[string]string{
		"":                                     "none",
		"database error: connection reset":     "database",
		"validation failed: from is required":  "validation",
		"resource not found":                   "not_found",
		"resource conflict: lead moved":        "conflict",
		"rate limited: whatsapp 429":           "rate_limited",
		"external service error: openai 500":   "external",
		"context deadline exceeded":            "timeout",
		"failed to unmarshal job payload":      "unmarshal",
		"panic recovered in dispatch: nil map": "panic",
		"something odd":                        "unknown",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeErrorType(in), in)
	}
}

func TestHelpers_NoopWhenDisabled(t *testing.T) {
	InitMetrics(false)
	defer InitMetrics(true)

	assert.NotPanics(t, func() {
		IncJobsReceived("v1.jobs.nudge_scan", "")
		IncDispatchResult("completed", "")
		IncOutboundMessages("nudge", nil)
		IncScanLeads("nudge", "sent")
	})
	assert.Nil(t, Metrics)
}
