package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/smsleopard-dispatcher/internal/errors"
	"github.com/unclebandit/smsleopard-dispatcher/internal/model"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestBeginRunIsCompareAndSet(t *testing.T) {
	db, mock := newMock(t)
	repo := &CampaignRepository{DB: db}
	from := []string{model.CampaignDraft, model.CampaignScheduled}

	mock.ExpectExec(`(?s)UPDATE campaigns\s+SET status='sending'.+WHERE id=\$1 AND status = ANY\(\$4\)`).
		WithArgs(4, "run-a", model.RunFull, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaigns\s+SET status='sending'`).
		WithArgs(4, "run-b", model.RunFull, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.BeginRun(context.Background(), 4, "run-a", model.RunFull, from)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.BeginRun(context.Background(), 4, "run-b", model.RunFull, from)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTakeOverRunJudgesStalenessWithDatabaseClock(t *testing.T) {
	db, mock := newMock(t)
	repo := &CampaignRepository{DB: db}

	mock.ExpectBegin()
	mock.ExpectExec(`run_id IS NOT DISTINCT FROM NULLIF\(\$2, ''\)\s+AND \(heartbeat_at IS NULL OR heartbeat_at < NOW\(\) - \$5 \* INTERVAL '1 millisecond'\)`).
		WithArgs(4, "run-a", "run-b", model.RunFull, int64(600000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE messages\s+SET run_id=\$3, updated_at=NOW\(\)\s+WHERE campaign_id=\$1 AND run_id=\$2 AND status IN \('sent', 'delivered'\)`).
		WithArgs(4, "run-a", "run-b").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	ok, err := repo.TakeOverRun(context.Background(), 4, "run-a", "run-b", model.RunFull, 10*time.Minute, true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTakeOverRunOfLiveRunAdoptsNothing(t *testing.T) {
	db, mock := newMock(t)
	repo := &CampaignRepository{DB: db}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE campaigns\s+SET run_id=\$3`).
		WithArgs(4, "run-a", "run-b", model.RunRetry, int64(600000)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	ok, err := repo.TakeOverRun(context.Background(), 4, "run-a", "run-b", model.RunRetry, 10*time.Minute, true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAbortRunRestoresPriorRun(t *testing.T) {
	db, mock := newMock(t)
	repo := &CampaignRepository{DB: db}

	mock.ExpectBegin()
	mock.ExpectExec(`SET status=\$3, run_id=NULLIF\(\$4, ''\), run_mode=NULLIF\(\$5, ''\)`).
		WithArgs(4, "run-b", model.CampaignSending, "run-a", model.RunFull).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE messages SET run_id=\$3, updated_at=NOW\(\) WHERE campaign_id=\$1 AND run_id=\$2`).
		WithArgs(4, "run-b", "run-a").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	ok, err := repo.AbortRun(context.Background(), 4, "run-b", model.CampaignSending, "run-a", model.RunFull)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatAndCompleteAreScopedToRun(t *testing.T) {
	db, mock := newMock(t)
	repo := &CampaignRepository{DB: db}

	mock.ExpectExec(`UPDATE campaigns SET heartbeat_at=NOW\(\) WHERE id=\$1 AND run_id=\$2`).
		WithArgs(4, "run-a").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM campaigns WHERE id=\$1 AND status='sending' AND run_id=\$2 FOR UPDATE`).
		WithArgs(4, "run-a").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(4))
	mock.ExpectExec(`SET status='sent', sent_count=c.sent_count\+s.recovered, failed_count=GREATEST\(c.failed_count-s.recovered, 0\)`).
		WithArgs(4, "run-a", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := repo.Heartbeat(context.Background(), 4, "run-a")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.CompleteRetryRun(context.Background(), 4, "run-a", model.ReportsData{{MessageID: 1, Status: model.MessageSent}})
	require.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRunWithoutLeaseRollsBack(t *testing.T) {
	db, mock := newMock(t)
	repo := &CampaignRepository{DB: db}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM campaigns WHERE id=\$1 AND status='sending' AND run_id=\$2 FOR UPDATE`).
		WithArgs(4, "run-old").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	ok, err := repo.CompleteRun(context.Background(), 4, "run-old", nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdoptRunRestampsSentMessages(t *testing.T) {
	db, mock := newMock(t)
	repo := &MessageRepository{DB: db}

	mock.ExpectExec(`UPDATE messages\s+SET run_id=\$3, updated_at=NOW\(\)\s+WHERE campaign_id=\$1 AND run_id=\$2 AND status IN \('sent', 'delivered'\)`).
		WithArgs(4, "run-a", "run-b").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.AdoptRun(context.Background(), 4, "run-a", "run-b")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignGetByIDNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := &CampaignRepository{DB: db}

	mock.ExpectQuery(`FROM campaigns WHERE id=\$1`).
		WithArgs(12).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByID(context.Background(), 12)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestCampaignGetByIDScansLease(t *testing.T) {
	db, mock := newMock(t)
	repo := &CampaignRepository{DB: db}
	now := time.Now()

	cols := []string{"id", "tenant_id", "name", "description", "template_id", "audience_id", "variable_mapping",
		"status", "scheduled_for", "sent_count", "failed_count", "reports_data", "run_id", "run_mode",
		"heartbeat_at", "started_at", "completed_at", "created_at", "updated_at"}
	mock.ExpectQuery(`FROM campaigns WHERE id=\$1`).
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			3, "acme", "promo", "", 1, 2, []byte(`{"name":"name"}`),
			model.CampaignSending, nil, 0, 0, nil, "run-a", model.RunFull,
			now, now, nil, now, nil,
		))

	c, err := repo.GetByID(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "run-a", c.RunID)
	assert.Equal(t, model.RunFull, c.RunMode)
	assert.Equal(t, model.VariableMapping{"name": "name"}, c.VariableMapping)
	assert.Nil(t, c.ReportsData)
}

func TestApplyDeliveryStatusMovesCountersInOneTransaction(t *testing.T) {
	db, mock := newMock(t)
	repo := &MessageRepository{DB: db}
	campaignID := 7
	m := &model.Message{ID: 5, CampaignID: &campaignID, Status: model.MessageSent, RunID: "run-a"}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, COALESCE\(run_id, ''\) FROM campaigns WHERE id=\$1 FOR UPDATE`).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"status", "run_id"}).AddRow(model.CampaignSent, "run-a"))
	mock.ExpectExec(`UPDATE messages SET status=\$1, error_detail=\$2, updated_at=NOW\(\) WHERE id=\$3 AND status=\$4`).
		WithArgs(model.MessageFailed, "expired", 5, model.MessageSent).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaigns\s+SET sent_count=GREATEST\(sent_count\+\$1, 0\)`).
		WithArgs(-1, 1, 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := repo.ApplyDeliveryStatus(context.Background(), m, model.MessageFailed, "expired")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.MessageFailed, m.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDeliveryStatusLosesRace(t *testing.T) {
	db, mock := newMock(t)
	repo := &MessageRepository{DB: db}
	m := &model.Message{ID: 5, Status: model.MessageSent}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE messages SET status=`).
		WithArgs(model.MessageDelivered, "", 5, model.MessageSent).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	ok, err := repo.ApplyDeliveryStatus(context.Background(), m, model.MessageDelivered, "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, model.MessageSent, m.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDeliveryStatusSkipsZeroDelta(t *testing.T) {
	db, mock := newMock(t)
	repo := &MessageRepository{DB: db}
	campaignID := 7
	m := &model.Message{ID: 5, CampaignID: &campaignID, Status: model.MessageSent}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, COALESCE\(run_id, ''\) FROM campaigns WHERE id=\$1 FOR UPDATE`).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"status", "run_id"}).AddRow(model.CampaignSent, ""))
	mock.ExpectExec(`UPDATE messages SET status=`).
		WithArgs(model.MessageDelivered, "", 5, model.MessageSent).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := repo.ApplyDeliveryStatus(context.Background(), m, model.MessageDelivered, "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDeliveryStatusLeavesActiveRunCountersAlone(t *testing.T) {
	db, mock := newMock(t)
	repo := &MessageRepository{DB: db}
	campaignID := 7
	m := &model.Message{ID: 5, CampaignID: &campaignID, Status: model.MessageSent, RunID: "run-b"}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, COALESCE\(run_id, ''\) FROM campaigns WHERE id=\$1 FOR UPDATE`).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"status", "run_id"}).AddRow(model.CampaignSending, "run-b"))
	mock.ExpectExec(`UPDATE messages SET status=`).
		WithArgs(model.MessageFailed, "expired", 5, model.MessageSent).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := repo.ApplyDeliveryStatus(context.Background(), m, model.MessageFailed, "expired")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordOutcomeMissingMessage(t *testing.T) {
	db, mock := newMock(t)
	repo := &MessageRepository{DB: db}

	mock.ExpectExec(`UPDATE messages\s+SET status=\$2`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.RecordOutcome(context.Background(), Outcome{MessageID: 99, Status: model.MessageSent, SentAt: time.Now()})
	assert.True(t, appErrors.IsNotFound(err))
}

func TestFindByGatewayIDReturnsNilWhenMissing(t *testing.T) {
	db, mock := newMock(t)
	repo := &MessageRepository{DB: db}

	mock.ExpectQuery(`FROM messages WHERE gateway_message_id=\$1`).
		WithArgs("gw-x").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	m, err := repo.FindByGatewayID(context.Background(), "gw-x")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestGetCampaignStats(t *testing.T) {
	db, mock := newMock(t)
	repo := &MessageRepository{DB: db}

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM messages WHERE campaign_id=\$1 GROUP BY status`).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("sent", 3).
			AddRow("failed", 1))

	stats, err := repo.GetCampaignStats(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"total": 4, "pending": 0, "sent": 3, "delivered": 0, "failed": 1}, stats)
}

func TestCountAudienceUnknownAudience(t *testing.T) {
	db, mock := newMock(t)
	repo := &RecipientRepository{DB: db}

	mock.ExpectQuery(`SELECT COUNT\(am.recipient_id\)`).
		WithArgs(3, "acme").
		WillReturnRows(sqlmock.NewRows([]string{"count"}))

	_, err := repo.CountAudience(context.Background(), "acme", 3)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestListAudienceKeepsOrder(t *testing.T) {
	db, mock := newMock(t)
	repo := &RecipientRepository{DB: db}

	mock.ExpectQuery(`ORDER BY am.position, am.recipient_id`).
		WithArgs(3, "acme").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "phone", "email", "custom_fields"}).
			AddRow(9, "acme", "B", "+254712345679", "", []byte(`{"code":"X"}`)).
			AddRow(2, "acme", "A", "+254712345678", "", []byte(`{}`)))

	recipients, err := repo.ListAudience(context.Background(), "acme", 3)
	require.NoError(t, err)
	require.Len(t, recipients, 2)
	assert.Equal(t, 9, recipients[0].ID)
	assert.Equal(t, "X", recipients[0].CustomFields["code"])
}
