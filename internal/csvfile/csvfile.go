// Package csvfile handles importing and exporting reminders as CSV.
//
// Both directions use the same ten columns:
//
//	id, name, type, certifier, handler, period, start_date, end_date,
//	advance_days, actual_reminder_date
//
// Exports start with a UTF-8 byte-order mark and a localized header row so
// spreadsheet tools open them with the right encoding. auto_renew and
// renew_period are not part of the format.
package csvfile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/bryan-buckman/certminder/internal/model"
)

// Columns is the number of columns in the format.
const Columns = 10

const bom = "\ufeff"

// Header is the localized header row written on export.
var Header = []string{"ID", "名称", "类型", "认证人员", "办事员", "周期(天)", "开始日期", "到期日期", "提前天数", "实际提醒日期"}

// ErrEmpty is returned when the input has no header row.
var ErrEmpty = errors.New("csv file is empty")

// Skip records a row that was not imported.
type Skip struct {
	Line   int
	Reason string
}

// Result holds the rows parsed from an import.
type Result struct {
	Rows    []model.ReminderFields
	Skipped []Skip
}

// Parse reads a CSV document, discarding a leading byte-order mark and the
// header row. Rows that are blank, short, or missing required values are
// recorded in Skipped and do not stop the parse. The id column is ignored.
func Parse(r io.Reader) (*Result, error) {
	cr := csv.NewReader(stripBOM(r))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	res := &Result{}
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				res.Skipped = append(res.Skipped, Skip{Line: perr.Line, Reason: perr.Err.Error()})
				continue
			}
			return nil, fmt.Errorf("read csv: %w", err)
		}
		line, _ := cr.FieldPos(0)
		f, reason := parseRow(record)
		if reason != "" {
			res.Skipped = append(res.Skipped, Skip{Line: line, Reason: reason})
			continue
		}
		res.Rows = append(res.Rows, f)
	}
	return res, nil
}

func parseRow(record []string) (model.ReminderFields, string) {
	blank := true
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			blank = false
			break
		}
	}
	if blank {
		return model.ReminderFields{}, "blank row"
	}
	if len(record) < Columns {
		return model.ReminderFields{}, fmt.Sprintf("expected %d columns, got %d", Columns, len(record))
	}
	cell := func(i int) string { return strings.TrimSpace(record[i]) }
	optional := func(i int) *string {
		if v := cell(i); v != "" {
			return &v
		}
		return nil
	}

	advance := 0
	if n, ok := nonNegativeInt(cell(8)); ok {
		advance = n
	}
	f := model.ReminderFields{
		Name:               cell(1),
		Type:               cell(2),
		Certifier:          optional(3),
		Handler:            optional(4),
		StartDate:          optional(6),
		EndDate:            cell(7),
		AdvanceDays:        &advance,
		ActualReminderDate: optional(9),
	}
	if n, ok := nonNegativeInt(cell(5)); ok {
		f.Period = &n
	}
	if f.Name == "" || f.EndDate == "" {
		return model.ReminderFields{}, "missing name or end date"
	}
	if err := f.ValidateImported(); err != nil {
		return model.ReminderFields{}, err.Error()
	}
	return f, ""
}

// nonNegativeInt accepts only plain digit strings.
func nonNegativeInt(s string) (int, bool) {
	if s == "" || strings.TrimLeft(s, "0123456789") != "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

// Export writes reminders as CSV with a byte-order mark and header row.
func Export(w io.Writer, reminders []model.Reminder) error {
	if _, err := io.WriteString(w, bom); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	cw.UseCRLF = true
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range reminders {
		record := []string{
			strconv.FormatInt(r.ID, 10),
			r.Name,
			r.Type,
			deref(r.Certifier),
			deref(r.Handler),
			intString(r.Period),
			deref(r.StartDate),
			r.EndDate,
			strconv.Itoa(r.AdvanceDays),
			deref(r.ActualReminderDate),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func intString(n *int) string {
	if n == nil {
		return ""
	}
	return strconv.Itoa(*n)
}

// Inserter stores a batch of parsed reminders.
type Inserter interface {
	InsertReminders(batch []model.ReminderFields) (int, error)
}

// Import parses r, logs every skipped row and inserts the rest in one batch.
// It returns the number of reminders inserted.
func Import(store Inserter, r io.Reader, log logrus.FieldLogger) (int, error) {
	res, err := Parse(r)
	if err != nil {
		return 0, err
	}
	for _, s := range res.Skipped {
		log.WithFields(logrus.Fields{"line": s.Line, "reason": s.Reason}).Warn("import row skipped")
	}
	n, err := store.InsertReminders(res.Rows)
	if err != nil {
		return 0, fmt.Errorf("insert reminders: %w", err)
	}
	log.WithFields(logrus.Fields{"count": n, "skipped": len(res.Skipped)}).Info("import finished")
	return n, nil
}

// stripBOM drops a leading UTF-8 byte-order mark.
func stripBOM(r io.Reader) io.Reader {
	buf := make([]byte, len(bom))
	n, err := io.ReadFull(r, buf)
	if err == nil && string(buf) == bom {
		return r
	}
	return io.MultiReader(strings.NewReader(string(buf[:n])), r)
}
