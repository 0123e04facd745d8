package schedule

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// 标准 5 段表达式，同时允许 @every / @hourly 之类的描述符。
var exprParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse 校验并解析表达式，失败时返回 ErrInvalidExpression。
func Parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidExpression)
	}
	sched, err := exprParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	return sched, nil
}

// 非 60 因数的分钟数只能落到这几个档位上。
var fallbackBuckets = []int{15, 30, 60, 120}

// IntervalToCron 把分钟间隔换算成 cron 表达式。
//
// 60 的因数精确映射为 */N；能整除 24 小时的整小时映射为 0 */H；
// 其余取最接近的 15/30/60/120 档位，距离相同时取较大的档位（45 → 每小时）。
func IntervalToCron(minutes int) string {
	switch {
	case minutes <= 0:
		return "0 * * * *"
	case minutes == 1:
		return "* * * * *"
	case minutes < 60 && 60%minutes == 0:
		return fmt.Sprintf("*/%d * * * *", minutes)
	case minutes == 60:
		return "0 * * * *"
	case minutes%60 == 0 && 24%(minutes/60) == 0:
		hours := minutes / 60
		if hours == 24 {
			return "0 0 * * *"
		}
		return fmt.Sprintf("0 */%d * * *", hours)
	}
	return IntervalToCron(nearestBucket(minutes))
}

func nearestBucket(minutes int) int {
	best := fallbackBuckets[0]
	bestDist := abs(minutes - best)
	for _, b := range fallbackBuckets[1:] {
		if d := abs(minutes - b); d <= bestDist {
			best, bestDist = b, d
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
