package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
)

func TestSaveExhaustedEvent(t *testing.T) {
	repo, mock := newTestRepo(t)
	event := model.ExhaustedEvent{
		SourceSubject:   "v1.jobs.nudge_scan",
		LastError:       "ai timeout",
		RetryCount:      5,
		EventTimestamp:  time.Now().UTC(),
		DLQPayload:      datatypes.JSON(`{"error":"ai timeout"}`),
		OriginalPayload: datatypes.JSON(`{"job":"v1.jobs.nudge_scan"}`),
	}

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "exhausted_events"`)).
		WithArgs(AnyTime{}, "", event.SourceSubject, event.LastError, sqlmock.AnyArg(), AnyTime{}, AnyJSON{}, AnyJSON{}, false, sqlmock.AnyArg(), "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	// Scan jobs carry no client, so no tenant in the context.
	assert.NoError(t, repo.SaveExhaustedEvent(context.Background(), event))
}

func TestSaveExhaustedEvent_PermanentFailure(t *testing.T) {
	repo, mock := newTestRepo(t)
	mock.ExpectQuery(`INSERT INTO "exhausted_events"`).
		WillReturnError(assert.AnError)

	err := repo.SaveExhaustedEvent(context.Background(), model.ExhaustedEvent{SourceSubject: "x"})
	require.Error(t, err)
}
