// Package dispatch 把对账得到的新品推送给订阅了该类目的用户。
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"stockwatch/internal/model"
	"stockwatch/internal/pkg/metrics"
	"stockwatch/internal/pkg/notify"
	"stockwatch/internal/pkg/throttle"
)

// SubscriptionSource 提供启用的类目订阅（已预加载用户）。
type SubscriptionSource interface {
	EnabledSubscriptions(ctx context.Context) ([]model.PushSubscription, error)
}

// Summary 是一次分发的统计。
type Summary struct {
	Subscribers int // 匹配类目的订阅者
	Sent        int
	Failed      int
	Skipped     int // 无接收方或处于限频窗口
}

type Dispatcher struct {
	subs        SubscriptionSource
	notifier    notify.Notifier
	throttle    *throttle.Throttle
	linkBaseURL string
	logger      *slog.Logger
}

// New 创建分发器，throttle 可为 nil（不限频）。
func New(subs SubscriptionSource, notifier notify.Notifier, th *throttle.Throttle, linkBaseURL string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		subs:        subs,
		notifier:    notifier,
		throttle:    th,
		linkBaseURL: strings.TrimRight(linkBaseURL, "/"),
		logger:      logger,
	}
}

// DispatchNewArrivals 对每个订阅者按货号分组推送，每个 (订阅者, 货号) 一条消息。
//
// 发送失败只记录，不重试；若某订阅者本轮全部失败，其限频窗口被释放。
func (d *Dispatcher) DispatchNewArrivals(ctx context.Context, category string, newItems []model.CatalogItem) Summary {
	var sum Summary
	if len(newItems) == 0 {
		return sum
	}

	subs, err := d.subs.EnabledSubscriptions(ctx)
	if err != nil {
		d.logger.Error("load subscriptions failed", slog.String("category", category), slog.String("error", err.Error()))
		return sum
	}

	groups := groupByCode(newItems)
	for _, sub := range subs {
		if !sub.Covers(category) {
			continue
		}
		sum.Subscribers++

		recipient := strings.TrimSpace(sub.User.PushRecipient)
		if recipient == "" {
			sum.Skipped++
			d.logger.Info("subscriber has no push recipient, skip",
				slog.Uint64("user_id", uint64(sub.UserID)),
				slog.String("category", category))
			continue
		}

		held := ""
		if sub.FrequencySeconds > 0 {
			key := throttle.Key("category", strconv.FormatUint(uint64(sub.UserID), 10), category)
			ok, remaining, err := d.throttle.Allow(ctx, key, time.Duration(sub.FrequencySeconds)*time.Second)
			if err != nil {
				d.logger.Warn("subscription throttle check failed", slog.Uint64("user_id", uint64(sub.UserID)), slog.String("error", err.Error()))
			} else if ok {
				held = key
			} else {
				sum.Skipped++
				metrics.NotificationsTotal.WithLabelValues("category", "throttled").Inc()
				d.logger.Debug("subscriber throttled",
					slog.Uint64("user_id", uint64(sub.UserID)),
					slog.String("remaining", remaining.String()))
				continue
			}
		}

		delivered := 0
		for _, g := range groups {
			title, body := formatMessage(category, g)
			if err := d.notifier.Send(ctx, recipient, title, body, d.link(g.code)); err != nil {
				sum.Failed++
				metrics.NotificationsTotal.WithLabelValues("category", "failed").Inc()
				d.logger.Warn("new arrival push failed",
					slog.Uint64("user_id", uint64(sub.UserID)),
					slog.String("code", g.code),
					slog.String("error", err.Error()))
				continue
			}
			delivered++
			sum.Sent++
			metrics.NotificationsTotal.WithLabelValues("category", "sent").Inc()
		}

		// 一条都没送达时释放窗口，下一轮上新重新尝试。
		if held != "" && delivered == 0 {
			if err := d.throttle.Release(ctx, held); err != nil {
				d.logger.Warn("release subscription throttle failed",
					slog.Uint64("user_id", uint64(sub.UserID)),
					slog.String("error", err.Error()))
			}
		}
	}

	d.logger.Info("new arrivals dispatched",
		slog.String("category", category),
		slog.Int("codes", len(groups)),
		slog.Int("subscribers", sum.Subscribers),
		slog.Int("sent", sum.Sent),
		slog.Int("failed", sum.Failed),
		slog.Int("skipped", sum.Skipped))
	return sum
}

func (d *Dispatcher) link(code string) string {
	if d.linkBaseURL == "" {
		return ""
	}
	return d.linkBaseURL + "/" + code
}

type codeGroup struct {
	code  string
	name  string
	items []model.CatalogItem
}

// groupByCode 按货号首次出现的顺序分组。
func groupByCode(items []model.CatalogItem) []*codeGroup {
	index := make(map[string]*codeGroup)
	var groups []*codeGroup
	for _, it := range items {
		g, ok := index[it.Code]
		if !ok {
			g = &codeGroup{code: it.Code, name: it.Name}
			index[it.Code] = g
			groups = append(groups, g)
		}
		g.items = append(g.items, it)
	}
	return groups
}

func formatMessage(category string, g *codeGroup) (string, string) {
	title := fmt.Sprintf("上新提醒 %s %s", g.code, g.name)
	var b strings.Builder
	fmt.Fprintf(&b, "类目: %s\n", category)
	for _, it := range g.items {
		fmt.Fprintf(&b, "%s / %s  ¥%s  库存 %d\n", it.Color, it.Size, strconv.FormatFloat(it.Price, 'f', -1, 64), it.StockCount)
	}
	return title, strings.TrimRight(b.String(), "\n")
}
