package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"stockwatch/internal/model"
	"stockwatch/internal/pkg/testutil"
	"stockwatch/internal/pkg/throttle"
	"stockwatch/internal/store"
)

type sent struct {
	recipient, title, body, link string
}

type fakeNotifier struct {
	sent    []sent
	failFor string
}

func (f *fakeNotifier) Send(ctx context.Context, recipient, title, body, linkURL string) error {
	if recipient == f.failFor {
		return errors.New("gateway down")
	}
	f.sent = append(f.sent, sent{recipient, title, body, linkURL})
	return nil
}

func newItems() []model.CatalogItem {
	return []model.CatalogItem{
		{Code: "111111", Name: "Tee", Color: "A", Size: "S", Price: 99, StockCount: 1},
		{Code: "111111", Name: "Tee", Color: "B", Size: "M", Price: 99, StockCount: 2},
		{Code: "222222", Name: "Jeans", Color: "C", Size: "L", Price: 199, StockCount: 3},
	}
}

func setup(t *testing.T) (*store.UserStore, *throttle.Throttle) {
	t.Helper()
	db := testutil.NewTestDB(t)
	users := store.NewUserStore(db)
	ctx := context.Background()

	seedUser := func(id uint, recipient string, enabled bool, freq int, genders ...string) {
		require.NoError(t, db.Create(&model.User{ID: id, Nickname: "u", PushRecipient: recipient}).Error)
		require.NoError(t, users.UpsertSubscription(ctx, &model.PushSubscription{
			UserID:           id,
			IsEnabled:        enabled,
			Channel:          "wechat",
			FrequencySeconds: freq,
			Genders:          datatypes.JSONSlice[string](genders),
		}))
	}
	seedUser(1, "openid-1", true, 0, "WOMEN", "MEN")
	seedUser(2, "", true, 0, "women")
	seedUser(3, "openid-3", true, 0, "MEN")
	seedUser(4, "openid-4", false, 0, "WOMEN")
	seedUser(5, "openid-5", true, 3600, "女装")

	_, rdb := testutil.NewTestRedis(t)
	return users, throttle.New(rdb)
}

func TestDispatchNewArrivals(t *testing.T) {
	users, th := setup(t)
	n := &fakeNotifier{}
	d := New(users, n, th, "https://shop.example.com/p/", slog.New(slog.NewTextHandler(io.Discard, nil)))

	sum := d.DispatchNewArrivals(context.Background(), "WOMEN", newItems())
	require.Equal(t, 3, sum.Subscribers)
	require.Equal(t, 4, sum.Sent)
	require.Equal(t, 1, sum.Skipped)

	perRecipient := map[string]int{}
	for _, s := range n.sent {
		perRecipient[s.recipient]++
	}
	require.Equal(t, map[string]int{"openid-1": 2, "openid-5": 2}, perRecipient)

	first := n.sent[0]
	require.Contains(t, first.title, "111111")
	require.Equal(t, 2, strings.Count(first.body, "\n"))
	require.Equal(t, "https://shop.example.com/p/111111", first.link)
}

func TestDispatchNewArrivals_FrequencyAndFailures(t *testing.T) {
	users, th := setup(t)
	n := &fakeNotifier{failFor: "openid-1"}
	d := New(users, n, th, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	sum := d.DispatchNewArrivals(ctx, "WOMEN", newItems())
	require.Equal(t, 2, sum.Failed)
	require.Equal(t, 2, sum.Sent)

	// 用户 5 配置了一小时的频率限制
	n.sent = nil
	sum = d.DispatchNewArrivals(ctx, "WOMEN", newItems())
	require.Equal(t, 0, sum.Sent)
	require.Equal(t, 2, sum.Skipped)

	require.Equal(t, Summary{}, d.DispatchNewArrivals(ctx, "WOMEN", nil))
}

func TestDispatchNewArrivals_FailedSendReleasesFrequencyWindow(t *testing.T) {
	users, th := setup(t)
	n := &fakeNotifier{failFor: "openid-5"}
	d := New(users, n, th, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	sum := d.DispatchNewArrivals(ctx, "WOMEN", newItems())
	require.Equal(t, 2, sum.Failed)

	// 网关恢复后，用户 5 不应再被一小时的窗口挡住。
	n.failFor = ""
	n.sent = nil
	sum = d.DispatchNewArrivals(ctx, "WOMEN", newItems())
	require.Equal(t, 0, sum.Failed)
	require.Equal(t, 1, sum.Skipped)

	toFive := 0
	for _, s := range n.sent {
		if s.recipient == "openid-5" {
			toFive++
		}
	}
	require.Equal(t, 2, toFive)

	// 送达之后窗口生效。
	n.sent = nil
	sum = d.DispatchNewArrivals(ctx, "WOMEN", newItems())
	require.Equal(t, 2, sum.Skipped)
	for _, s := range n.sent {
		require.NotEqual(t, "openid-5", s.recipient)
	}
}
