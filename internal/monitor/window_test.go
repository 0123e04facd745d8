package monitor

import (
	"errors"
	"testing"
	"time"
)

func TestIsInsideWindow(t *testing.T) {
	cases := []struct {
		t, start, end string
		want          bool
	}{
		{"23:50", "22:00", "02:00", true},
		{"03:00", "22:00", "02:00", false},
		{"10:00", "09:00", "18:00", true},
		{"02:00", "22:00", "02:00", true},
		{"22:00", "22:00", "02:00", true},
		{"00:00", "22:00", "02:00", true},
		{"21:59", "22:00", "02:00", false},
		{"09:00", "09:00", "18:00", true},
		{"18:00", "09:00", "18:00", true},
		{"18:01", "09:00", "18:00", false},
		{"08:59", "09:00", "18:00", false},
		{"12:00", "00:00", "23:59", true},
		{"12:00", "bad", "18:00", true},
	}
	for _, tc := range cases {
		if got := IsInsideWindow(tc.t, tc.start, tc.end); got != tc.want {
			t.Errorf("IsInsideWindow(%q, %q, %q) = %v, want %v", tc.t, tc.start, tc.end, got, tc.want)
		}
	}
}

func TestValidateWindow(t *testing.T) {
	if err := ValidateWindow("22:00", "02:00"); err != nil {
		t.Fatalf("valid window rejected: %v", err)
	}
	for _, bad := range [][2]string{{"25:00", "02:00"}, {"22:00", "2"}, {"aa:bb", "01:00"}, {"10:60", "11:00"}} {
		if err := ValidateWindow(bad[0], bad[1]); !errors.Is(err, ErrInvalidWindow) {
			t.Errorf("ValidateWindow(%q, %q) = %v, want ErrInvalidWindow", bad[0], bad[1], err)
		}
	}
}

func TestStateThrottleMonotonicity(t *testing.T) {
	s := NewState(0)
	T := time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)
	F := 60 * time.Minute

	if !s.CanNotify(T) {
		t.Fatalf("fresh state should allow notify")
	}
	s.OnPushSuccess(T, F)
	if s.CanNotify(T.Add(F - time.Minute)) {
		t.Fatalf("must not push again at T+(F-1)")
	}
	if !s.CanNotify(T.Add(F + time.Minute)) {
		t.Fatalf("must be eligible at T+(F+1)")
	}

	s.OnRateLimited(T, 10*time.Minute)
	if s.CanNotify(T.Add(9 * time.Minute)) {
		t.Fatalf("rate limited window not honored")
	}

	s.OnOutOfStock(T.Add(time.Minute))
	if !s.CanNotify(T.Add(time.Minute)) {
		t.Fatalf("out of stock should reset throttle")
	}

	s.OnPushSuccess(T, F)
	s.OnPushFailure(T.Add(2 * time.Minute))
	if !s.CanNotify(T.Add(2 * time.Minute)) {
		t.Fatalf("failure should allow immediate retry")
	}
}

func TestStateLogCap(t *testing.T) {
	s := NewState(3)
	for i := 0; i < 5; i++ {
		s.Append(LogEntry{Message: string(rune('a' + i))})
	}
	snap := s.Snapshot()
	if len(snap.Logs) != 3 || snap.Logs[0].Message != "c" || snap.Logs[2].Message != "e" {
		t.Fatalf("unexpected logs %+v", snap.Logs)
	}
}
