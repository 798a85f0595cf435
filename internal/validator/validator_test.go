package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
)

type meetingArgs struct {
	ScheduledAt string   `json:"scheduled_at" validate:"required,rfc3339"`
	Slots       []string `json:"slots" validate:"omitempty,min=2"`
	Internal    string   `json:"-" validate:"omitempty,oneof=a b"`
}

func TestValidate_ReportsJSONFieldNames(t *testing.T) {
	err := Validate(meetingArgs{Slots: []string{"only one"}})

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Contains(t, err.Error(), "scheduled_at is required")
	assert.Contains(t, err.Error(), "slots must have at least 2 items")
}

func TestValidate_RFC3339(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"2026-03-03T15:00:00-03:00", true},
		{"2026-03-03T18:00:00Z", true},
		{"2026-03-03 15:00", false},
		{"tomorrow", false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			err := Validate(meetingArgs{ScheduledAt: tt.value})
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, "must be an RFC3339 timestamp")
		})
	}
}

func TestValidate_InboundMessage(t *testing.T) {
	msg := model.NewInboundMessage("pnid", "5511988887777")
	assert.NoError(t, Validate(msg))

	msg.ProviderMessageID = ""
	assert.ErrorContains(t, Validate(msg), "provider_message_id is required")
}

func TestValidate_NonStruct(t *testing.T) {
	err := Validate("not a struct")

	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestGet_IsShared(t *testing.T) {
	assert.Same(t, Get(), Get())
}
