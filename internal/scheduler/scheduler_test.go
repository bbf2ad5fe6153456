package scheduler

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bryan-buckman/certminder/internal/model"
)

type fakeScanner struct {
	due   []model.Reminder
	err   error
	calls []time.Time
}

func (f *fakeScanner) Scan(today time.Time) ([]model.Reminder, error) {
	f.calls = append(f.calls, today)
	return f.due, f.err
}

type fakeDispatcher struct {
	channel string
	ok      bool
	sent    [][]model.Reminder
}

func (f *fakeDispatcher) Channel() string { return f.channel }

func (f *fakeDispatcher) Send(ctx context.Context, due []model.Reminder) bool {
	f.sent = append(f.sent, due)
	return f.ok
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("09:00")
	if err != nil || tod.Hour != 9 || tod.Minute != 0 {
		t.Errorf("Expected 09:00, got %v (%v)", tod, err)
	}
	if tod.String() != "09:00" {
		t.Errorf("Expected String 09:00, got %s", tod.String())
	}
	for _, bad := range []string{"9", "24:00", "12:60", "ab:cd", ""} {
		if _, err := ParseTimeOfDay(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestTimeOfDayNext(t *testing.T) {
	at := TimeOfDay{Hour: 9}
	loc := time.UTC
	tests := []struct {
		after time.Time
		want  time.Time
	}{
		{time.Date(2024, 1, 1, 8, 0, 0, 0, loc), time.Date(2024, 1, 1, 9, 0, 0, 0, loc)},
		{time.Date(2024, 1, 1, 9, 0, 0, 0, loc), time.Date(2024, 1, 2, 9, 0, 0, 0, loc)},
		{time.Date(2024, 12, 31, 10, 0, 0, 0, loc), time.Date(2025, 1, 1, 9, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		if got := at.Next(tt.after); !got.Equal(tt.want) {
			t.Errorf("Next(%v) = %v, want %v", tt.after, got, tt.want)
		}
	}
}

func TestJobRunDispatchesOnlyWhenDue(t *testing.T) {
	email := &fakeDispatcher{channel: "email", ok: true}
	hook := &fakeDispatcher{channel: "dingtalk", ok: false}
	scanner := &fakeScanner{}
	job := NewJob(scanner, quietLogger(), email, hook)

	res, err := job.Run(context.Background(), time.Now(), "email", "dingtalk")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Due) != 0 || len(email.sent) != 0 || len(hook.sent) != 0 {
		t.Error("Expected no dispatch when nothing is due")
	}

	scanner.due = []model.Reminder{{ID: 1, Name: "a"}}
	res, err = job.Run(context.Background(), time.Now(), "email", "dingtalk")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.RunID == "" {
		t.Error("Expected a run id")
	}
	if !res.Delivered["email"] || res.Delivered["dingtalk"] {
		t.Errorf("Unexpected delivery map: %v", res.Delivered)
	}
	if len(email.sent) != 1 || len(hook.sent) != 1 {
		t.Error("Expected one send per channel")
	}
}

func TestJobRunErrors(t *testing.T) {
	job := NewJob(&fakeScanner{err: errors.New("boom")}, quietLogger(), &fakeDispatcher{channel: "email"})
	if _, err := job.Run(context.Background(), time.Now(), "email"); err == nil {
		t.Error("Expected scan error")
	}
	if _, err := job.Run(context.Background(), time.Now(), "fax"); err == nil {
		t.Error("Expected unknown channel error")
	}
	if !job.Has("email") || job.Has("fax") {
		t.Error("Unexpected Has results")
	}
}

func TestRunnerTick(t *testing.T) {
	scanner := &fakeScanner{due: []model.Reminder{{ID: 1}}}
	email := &fakeDispatcher{channel: "email", ok: true}
	r := NewRunner(NewJob(scanner, quietLogger(), email), RunnerOptions{
		At:       TimeOfDay{Hour: 9},
		Channels: []string{"email"},
	}, quietLogger())

	clock := time.Date(2024, 1, 1, 8, 58, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }
	r.next = r.opts.At.Next(clock)

	ctx := context.Background()
	if r.tick(ctx) {
		t.Fatal("Expected no run before 09:00")
	}
	clock = clock.Add(2*time.Minute + 30*time.Second)
	if !r.tick(ctx) {
		t.Fatal("Expected a run after 09:00")
	}
	clock = clock.Add(time.Minute)
	if r.tick(ctx) {
		t.Fatal("Expected only one run per day")
	}
	clock = time.Date(2024, 1, 2, 9, 0, 30, 0, time.UTC)
	if !r.tick(ctx) {
		t.Fatal("Expected a run on the next day")
	}
	if len(email.sent) != 2 || len(scanner.calls) != 2 {
		t.Errorf("Expected two dispatches, got %d (scans %d)", len(email.sent), len(scanner.calls))
	}
}

func TestRunnerStartStop(t *testing.T) {
	r := NewRunner(NewJob(&fakeScanner{}, quietLogger()), RunnerOptions{
		At:           TimeOfDay{Hour: 3},
		PollInterval: time.Millisecond,
	}, quietLogger())
	r.Start()
	time.Sleep(5 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
