package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"timebank/internal/config"
	"timebank/internal/domain"
	"timebank/internal/events"
	"timebank/internal/models"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const sheetTime = "2006-01-02 15:04:05"

var errRowNotFound = errors.New("booking row not found")

// SheetsJournal mirrors the booking journal into a spreadsheet: every record
// is appended to the journal sheet and the booking's row on the board sheet
// is updated to its latest status.
type SheetsJournal struct {
	service       *sheets.Service
	spreadsheetID string
	journalSheet  string
	boardSheet    string
	rowCache      map[string]int
	cacheMu       sync.RWMutex
}

func NewSheetsJournal(ctx context.Context, cfg config.JournalConfig) (*SheetsJournal, error) {
	credentialsJSON, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	jwt, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(jwt.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %w", err)
	}

	return newSheetsJournal(srv, cfg.SpreadsheetID, cfg.SheetName, cfg.BoardSheetName), nil
}

func newSheetsJournal(srv *sheets.Service, spreadsheetID, journalSheet, boardSheet string) *SheetsJournal {
	return &SheetsJournal{
		service:       srv,
		spreadsheetID: spreadsheetID,
		journalSheet:  journalSheet,
		boardSheet:    boardSheet,
		rowCache:      make(map[string]int),
	}
}

// ServiceAccountEmail returns the client_email of a credentials file, the
// address the spreadsheet has to be shared with.
func ServiceAccountEmail(credentialsFile string) (string, error) {
	file, err := os.ReadFile(credentialsFile)
	if err != nil {
		return "", err
	}
	var creds struct {
		ClientEmail string `json:"client_email"`
	}
	if err := json.Unmarshal(file, &creds); err != nil {
		return "", err
	}
	return creds.ClientEmail, nil
}

func (s *SheetsJournal) TestConnection(ctx context.Context) error {
	_, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.journalSheet+"!A1").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// AppendJournal updates the board first since it is idempotent; a retry
// after a failed append then does not leave the board behind.
func (s *SheetsJournal) AppendJournal(ctx context.Context, task *models.OutboxTask) error {
	var p events.BookingEventPayload
	if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
		return fmt.Errorf("decode journal payload %s: %w", task.ID, err)
	}

	if err := s.upsertBoardRow(ctx, &p); err != nil {
		return fmt.Errorf("update board row: %w", err)
	}

	row := []interface{}{
		p.OccurredAt.UTC().Format(sheetTime),
		task.EventType,
		p.BookingID,
		p.SlotID,
		p.StudentID,
		p.MentorID,
		p.Status,
		p.Cost,
		p.ActorID,
		p.Reason,
	}
	_, err := s.service.Spreadsheets.Values.Append(s.spreadsheetID, s.journalSheet+"!A:J", &sheets.ValueRange{
		Values: [][]interface{}{row},
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("append journal row: %w", err)
	}
	return nil
}

func (s *SheetsJournal) upsertBoardRow(ctx context.Context, p *events.BookingEventPayload) error {
	values := &sheets.ValueRange{Values: [][]interface{}{boardRowValues(p)}}

	rowIdx, err := s.FindBookingRow(ctx, p.BookingID)
	if errors.Is(err, errRowNotFound) {
		_, err = s.service.Spreadsheets.Values.Append(s.spreadsheetID, s.boardSheet+"!A:A", values).
			ValueInputOption("RAW").
			InsertDataOption("INSERT_ROWS").
			Context(ctx).
			Do()
		return err
	}
	if err != nil {
		return err
	}

	rangeData := fmt.Sprintf("%s!A%d:G%d", s.boardSheet, rowIdx, rowIdx)
	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, rangeData, values).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	return err
}

// FindBookingRow returns the 1-based board row of bookingID.
func (s *SheetsJournal) FindBookingRow(ctx context.Context, bookingID string) (int, error) {
	if bookingID == "" {
		return 0, fmt.Errorf("booking id is required")
	}
	if row, ok := s.getCachedRow(bookingID); ok {
		return row, nil
	}

	if err := s.WarmUpCache(ctx); err != nil {
		return 0, err
	}
	if row, ok := s.getCachedRow(bookingID); ok {
		return row, nil
	}
	return 0, errRowNotFound
}

// WarmUpCache reloads the booking id column of the board.
func (s *SheetsJournal) WarmUpCache(ctx context.Context) error {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.boardSheet+"!A:A").Context(ctx).Do()
	if err != nil {
		return err
	}

	cache := make(map[string]int, len(resp.Values))
	for i, row := range resp.Values {
		if len(row) == 0 {
			continue
		}
		if id, ok := row[0].(string); ok && id != "" {
			cache[id] = i + 1
		}
	}

	s.cacheMu.Lock()
	s.rowCache = cache
	s.cacheMu.Unlock()
	return nil
}

func (s *SheetsJournal) getCachedRow(id string) (int, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	row, ok := s.rowCache[id]
	return row, ok
}

func boardRowValues(p *events.BookingEventPayload) []interface{} {
	return []interface{}{
		p.BookingID,
		p.SlotID,
		p.StudentID,
		p.MentorID,
		p.Status,
		p.Cost,
		time.Now().UTC().Format(sheetTime),
	}
}

var _ domain.JournalSink = (*SheetsJournal)(nil)
