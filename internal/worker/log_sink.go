package worker

import (
	"context"

	"timebank/internal/domain"
	"timebank/internal/models"

	"github.com/rs/zerolog"
)

// LogSink writes journal records to the application log. It is always
// installed so the journal exists even without a spreadsheet.
type LogSink struct {
	logger *zerolog.Logger
}

func NewLogSink(logger *zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) AppendJournal(_ context.Context, task *models.OutboxTask) error {
	s.logger.Info().
		Str("task_id", task.ID).
		Str("event_type", task.EventType).
		Str("booking_id", task.BookingID).
		RawJSON("payload", []byte(task.Payload)).
		Msg("booking journal")
	return nil
}

var _ domain.JournalSink = (*LogSink)(nil)
