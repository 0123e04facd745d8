package monitor

import (
	"sync"
	"time"
)

const DefaultLogCapacity = 8

// 内存日志中额外使用的状态，不落库。
const statusSkipped = "SKIPPED"

// LogEntry 是滚动日志中的一条。
type LogEntry struct {
	At      time.Time `json:"at"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
}

// CheckResult 是一次检查的结论。
type CheckResult struct {
	At       time.Time `json:"at"`
	Status   string    `json:"status"`
	Stock    int       `json:"stock"`
	Notified bool      `json:"notified"`
	Message  string    `json:"message"`
}

// State 是单品监控的推送节流状态机。
type State struct {
	mu sync.Mutex

	nextAllowedNotifyAt time.Time
	running             bool
	lastCheck           *CheckResult
	logs                []LogEntry
	capacity            int
}

// Snapshot 是 State 的只读拷贝。
type Snapshot struct {
	NextAllowedNotifyAt time.Time    `json:"next_allowed_notify_at"`
	Running             bool         `json:"running"`
	LastCheck           *CheckResult `json:"last_check,omitempty"`
	Logs                []LogEntry   `json:"logs"`
}

func NewState(capacity int) *State {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &State{capacity: capacity}
}

// CanNotify 当前时刻是否允许推送。
func (s *State) CanNotify(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !now.Before(s.nextAllowedNotifyAt)
}

// OnPushSuccess 推送成功后按服务端返回的频率顺延。
func (s *State) OnPushSuccess(now time.Time, frequency time.Duration) {
	s.setNext(now.Add(frequency))
}

// OnRateLimited 服务端限频时按剩余时间顺延。
func (s *State) OnRateLimited(now time.Time, remaining time.Duration) {
	s.setNext(now.Add(remaining))
}

// OnPushFailure 推送失败后下一次有货立即重试。
func (s *State) OnPushFailure(now time.Time) {
	s.setNext(now)
}

// OnOutOfStock 缺货时清除节流，补货后的第一次检查立即推送。
func (s *State) OnOutOfStock(now time.Time) {
	s.setNext(now)
}

func (s *State) setNext(t time.Time) {
	s.mu.Lock()
	s.nextAllowedNotifyAt = t
	s.mu.Unlock()
}

func (s *State) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

func (s *State) record(res CheckResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := res
	s.lastCheck = &r
}

// Append 追加日志，只保留最近 capacity 条。
func (s *State) Append(e LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, e)
	if over := len(s.logs) - s.capacity; over > 0 {
		s.logs = append(s.logs[:0:0], s.logs[over:]...)
	}
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		NextAllowedNotifyAt: s.nextAllowedNotifyAt,
		Running:             s.running,
		Logs:                append([]LogEntry(nil), s.logs...),
	}
	if s.lastCheck != nil {
		c := *s.lastCheck
		snap.LastCheck = &c
	}
	return snap
}
