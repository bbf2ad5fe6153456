package csvfile

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/bryan-buckman/certminder/internal/database"
	"github.com/bryan-buckman/certminder/internal/model"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func strPtr(s string) *string { return &s }
func intPtr(v int) *int       { return &v }

func TestExportFormat(t *testing.T) {
	var buf bytes.Buffer
	err := Export(&buf, []model.Reminder{{
		ID:                 3,
		Name:               "营业执照",
		Type:               "执照",
		Certifier:          strPtr("张三"),
		Period:             intPtr(365),
		EndDate:            "2024-01-01",
		AdvanceDays:        30,
		ActualReminderDate: strPtr("2023-12-02"),
		AutoRenew:          true,
		RenewPeriod:        intPtr(365),
	}})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "\ufeffID,名称,类型,") {
		t.Errorf("Expected BOM and header, got %q", out[:40])
	}
	want := "3,营业执照,执照,张三,,365,,2024-01-01,30,2023-12-02\r\n"
	if !strings.HasSuffix(out, want) {
		t.Errorf("Expected row %q, got %q", want, out)
	}
}

func TestParseSkipsBadRows(t *testing.T) {
	input := "\ufeffID,名称,类型,认证人员,办事员,周期(天),开始日期,到期日期,提前天数,实际提醒日期\n" +
		"99,Good,license,Bob,,abc,2023-01-01,2024-01-01,x,\n" +
		",,,,,,,,,\n" +
		"1,Short,license\n" +
		"2,,license,,,,,2024-01-01,5,\n" +
		"3,NoEnd,license,,,,,,5,\n" +
		"4,BadEnd,license,,,,,2024/01/01,5,\n" +
		"5,Second,cert,,,30,,2024-06-01,10,2024-05-01\n"

	res, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d: %+v", len(res.Rows), res.Rows)
	}
	if len(res.Skipped) != 5 {
		t.Errorf("Expected 5 skipped rows, got %d: %+v", len(res.Skipped), res.Skipped)
	}

	good := res.Rows[0]
	if good.Name != "Good" || *good.Certifier != "Bob" || good.Handler != nil {
		t.Errorf("Unexpected first row: %+v", good)
	}
	if good.Period != nil {
		t.Errorf("Expected non-numeric period to be dropped, got %d", *good.Period)
	}
	if *good.AdvanceDays != 0 {
		t.Errorf("Expected non-numeric advance days to default to 0, got %d", *good.AdvanceDays)
	}
	second := res.Rows[1]
	if *second.Period != 30 || *second.ActualReminderDate != "2024-05-01" {
		t.Errorf("Unexpected second row: %+v", second)
	}
	if res.Skipped[1].Line != 4 {
		t.Errorf("Expected short row on line 4, got %d", res.Skipped[1].Line)
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := Parse(strings.NewReader("")); !errors.Is(err, ErrEmpty) {
		t.Errorf("Expected ErrEmpty, got %v", err)
	}
	res, err := Parse(strings.NewReader("ID,名称\n"))
	if err != nil || len(res.Rows) != 0 {
		t.Errorf("Expected header-only file to parse to nothing, got %+v (%v)", res, err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src, err := database.New(filepath.Join(t.TempDir(), "src.db"))
	if err != nil {
		t.Fatalf("database.New failed: %v", err)
	}
	defer src.Close()
	dst, err := database.New(filepath.Join(t.TempDir(), "dst.db"))
	if err != nil {
		t.Fatalf("database.New failed: %v", err)
	}
	defer dst.Close()

	_, err = src.CreateReminder(model.ReminderFields{
		Name: "A", Type: "t", Handler: strPtr("h"), Period: intPtr(90), StartDate: strPtr("2023-01-01"),
		EndDate: "2024-01-01", AdvanceDays: intPtr(7), AutoRenew: true, RenewPeriod: intPtr(90),
	})
	if err != nil {
		t.Fatalf("CreateReminder failed: %v", err)
	}
	_, err = src.CreateReminder(model.ReminderFields{
		Name: "B, with comma", Type: "t", EndDate: "2025-01-01", AdvanceDays: intPtr(0),
	})
	if err != nil {
		t.Fatalf("CreateReminder failed: %v", err)
	}

	orig, _ := src.ListReminders()
	var buf bytes.Buffer
	if err := Export(&buf, orig); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	n, err := Import(dst, &buf, quietLogger())
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("Expected 2 imported, got %d", n)
	}

	got, _ := dst.ListReminders()
	for i := range orig {
		a, b := orig[i], got[i]
		if a.Name != b.Name || a.Type != b.Type || a.EndDate != b.EndDate || a.AdvanceDays != b.AdvanceDays ||
			*a.ActualReminderDate != *b.ActualReminderDate {
			t.Errorf("Row %d differs: %+v vs %+v", i, a, b)
		}
		if b.AutoRenew || b.RenewPeriod != nil {
			t.Errorf("Row %d: auto-renew settings are not part of the CSV format, got %+v", i, b)
		}
	}
}

func TestImportAllowsEmptyType(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "import.db"))
	if err != nil {
		t.Fatalf("database.New failed: %v", err)
	}
	defer db.Close()

	input := "ID,名称,类型,认证人员,办事员,周期(天),开始日期,到期日期,提前天数,实际提醒日期\n" +
		"1,NoType,,,,,,2024-01-01,5,\n"
	n, err := Import(db, strings.NewReader(input), quietLogger())
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected the row without a type to be imported, got %d", n)
	}
	got, _ := db.ListReminders()
	if len(got) != 1 || got[0].Name != "NoType" || got[0].Type != "" {
		t.Errorf("Unexpected stored rows: %+v", got)
	}
}
