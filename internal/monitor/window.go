package monitor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidWindow 时间窗口格式不是 HH:MM。
var ErrInvalidWindow = errors.New("invalid window, want HH:MM")

// parseClock 把 HH:MM 解析为当天的分钟数。
func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWindow, s)
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 24 || mm < 0 || mm > 59 || (hh == 24 && mm != 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWindow, s)
	}
	return hh*60 + mm, nil
}

// ValidateWindow 校验窗口两端。
func ValidateWindow(start, end string) error {
	if _, err := parseClock(start); err != nil {
		return err
	}
	_, err := parseClock(end)
	return err
}

// IsInsideWindow 判断 HH:MM 时刻 t 是否落在 [start, end] 内。
//
// start > end 表示跨零点：t ∈ [start, 24:00) ∪ [00:00, end]。
// 任一参数无法解析时视为不限制。
func IsInsideWindow(t, start, end string) bool {
	now, err := parseClock(t)
	if err != nil {
		return true
	}
	s, err := parseClock(start)
	if err != nil {
		return true
	}
	e, err := parseClock(end)
	if err != nil {
		return true
	}
	if s <= e {
		return now >= s && now <= e
	}
	return now >= s || now <= e
}

// ClockOf 把时间格式化为 HH:MM。
func ClockOf(t time.Time) string {
	return t.Format("15:04")
}
