package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"stockwatch/internal/api/auth"
	"stockwatch/internal/catalog"
	"stockwatch/internal/config"
	"stockwatch/internal/crawl"
	"stockwatch/internal/model"
	"stockwatch/internal/monitor"
	"stockwatch/internal/pkg/taskqueue"
	"stockwatch/internal/pkg/testutil"
	"stockwatch/internal/pkg/throttle"
	"stockwatch/internal/schedule"
	"stockwatch/internal/store"
)

const testSecret = "test-secret"

type fakeCrawler struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeCrawler) Run(ctx context.Context, category string) (crawl.Report, error) {
	f.mu.Lock()
	f.calls = append(f.calls, category)
	f.mu.Unlock()
	rep := crawl.Report{
		RunID:      "run-1",
		Category:   category,
		TotalFound: 3,
		NewItems: []model.CatalogItem{
			{Code: "465185", Size: "S"},
			{Code: "465185", Size: "M"},
		},
	}
	return rep, f.err
}

type fakeStock struct {
	qty int
	err error
}

func (f *fakeStock) VariantStock(ctx context.Context, code, color, size string) (int, error) {
	return f.qty, f.err
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent int
}

func (n *fakeNotifier) Send(ctx context.Context, recipient, title, body, linkURL string) error {
	n.mu.Lock()
	n.sent++
	n.mu.Unlock()
	return nil
}

type testEnv struct {
	srv      *Server
	db       *gorm.DB
	rdb      *redis.Client
	crawler  *fakeCrawler
	stock    *fakeStock
	notifier *fakeNotifier
	admin    string
	alice    string
	bob      string
	aliceID  uint
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db := testutil.NewTestDB(t)
	_, rdb := testutil.NewTestRedis(t)

	admin := model.User{Nickname: "admin", Role: model.RoleAdmin}
	alice := model.User{Nickname: "alice", Role: model.RoleUser}
	bob := model.User{Nickname: "bob", Role: model.RoleUser}
	for _, u := range []*model.User{&admin, &alice, &bob} {
		require.NoError(t, db.Create(u).Error)
	}

	crawler := &fakeCrawler{}
	stock := &fakeStock{qty: 4}
	notifier := &fakeNotifier{}

	scheduleStore := store.NewScheduleStore(db)
	userStore := store.NewUserStore(db)
	manager := schedule.NewManager(crawler, scheduleStore, rdb, logger, schedule.Options{Workers: 1, Capacity: 1})
	monitors := monitor.NewService(store.NewFavoriteStore(db), userStore, stock, throttle.New(rdb), notifier,
		time.Hour, "", logger)

	cfg := config.Default()
	cfg.Security.JWTSecret = testSecret
	srv := newServer(cfg, logger, db, rdb, components{
		crawler:   crawler,
		requests:  taskqueue.NewProducer(rdb, logger, ""),
		schedules: schedule.NewService(scheduleStore, manager, logger),
		jobs:      manager,
		users:     userStore,
		monitors:  monitors,
		stock:     stock,
	})

	token := func(id uint, role string) string {
		tok, err := auth.IssueToken(testSecret, id, role, time.Hour)
		require.NoError(t, err)
		return tok
	}
	return &testEnv{
		srv:      srv,
		db:       db,
		rdb:      rdb,
		crawler:  crawler,
		stock:    stock,
		notifier: notifier,
		admin:    token(admin.ID, model.RoleAdmin),
		alice:    token(alice.ID, model.RoleUser),
		bob:      token(bob.ID, model.RoleUser),
		aliceID:  alice.ID,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	e := newTestEnv(t)
	require.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/admin/schedules", "", nil).Code)
	require.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, "/admin/schedules", e.alice, nil).Code)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/admin/schedules", e.admin, nil).Code)
}

func TestAdminScheduleLifecycle(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPut, "/admin/schedules/men", e.admin, map[string]any{"interval_minutes": 45})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	row := decode[model.Schedule](t, w)
	require.Equal(t, "MEN", row.Category)
	require.True(t, row.IsEnabled)
	require.Equal(t, "0 * * * *", row.RecurrenceExpression)
	require.NotNil(t, row.NextRunTime)

	w = e.do(t, http.MethodPut, "/admin/schedules/women", e.admin, map[string]any{"cron": "not a cron"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPut, "/admin/schedules/pets", e.admin, map[string]any{"cron": "*/5 * * * *"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/admin/jobs", e.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	jobs := decode[[]jobResponse](t, w)
	require.Len(t, jobs, 1)
	require.Equal(t, "MEN", jobs[0].Category)

	w = e.do(t, http.MethodGet, "/admin/schedules", e.admin, nil)
	rows := decode[[]model.Schedule](t, w)
	require.Len(t, rows, 1)

	w = e.do(t, http.MethodDelete, "/admin/schedules/MEN", e.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"disabled":true,"timer_removed":true}`, w.Body.String())

	jobs = decode[[]jobResponse](t, e.do(t, http.MethodGet, "/admin/jobs", e.admin, nil))
	require.Empty(t, jobs)
}

func TestAdminRunCrawl(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/admin/crawl", e.admin, map[string]string{"category": "womens"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[crawlResponse](t, w)
	require.Equal(t, 2, resp.NewCount)
	require.Equal(t, []string{"465185"}, resp.NewCodes)
	require.Equal(t, []string{"WOMEN"}, e.crawler.calls)

	w = e.do(t, http.MethodPost, "/admin/crawl", e.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "", e.crawler.calls[1])

	require.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/admin/crawl", e.admin, map[string]string{"category": "pets"}).Code)

	w = e.do(t, http.MethodPost, "/admin/crawl", e.admin, map[string]any{"category": "baby", "async": true})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, "BABY", decode[map[string]any](t, w)["category"])
	require.Len(t, e.crawler.calls, 2)
	n, err := e.rdb.XLen(context.Background(), taskqueue.DefaultStream).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	e.crawler.err = errors.New("upstream down")
	w = e.do(t, http.MethodPost, "/admin/crawl", e.admin, map[string]string{"category": "kids"})
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Equal(t, "upstream down", decode[crawlResponse](t, w).Error)
}

func TestAdminUserSettings(t *testing.T) {
	e := newTestEnv(t)

	path := "/admin/users/" + itoa(e.aliceID) + "/notify"
	w := e.do(t, http.MethodPut, path, e.admin, map[string]any{"push_recipient": "openid-a", "push_frequency_minutes": 15})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var user model.User
	require.NoError(t, e.db.First(&user, e.aliceID).Error)
	require.Equal(t, "openid-a", user.PushRecipient)
	require.Equal(t, 15, user.PushFrequencyMinutes)

	require.Equal(t, http.StatusNotFound, e.do(t, http.MethodPut, "/admin/users/999/notify", e.admin, map[string]any{"push_recipient": "x"}).Code)

	path = "/admin/users/" + itoa(e.aliceID) + "/subscription"
	w = e.do(t, http.MethodPut, path, e.admin, map[string]any{"enabled": true, "genders": []string{"女装", "men"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	subs, err := store.NewUserStore(e.db).EnabledSubscriptions(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.True(t, subs[0].Covers("WOMEN"))
	require.True(t, subs[0].Covers("MEN"))
	require.False(t, subs[0].Covers("KIDS"))

	w = e.do(t, http.MethodPut, path, e.admin, map[string]any{"enabled": true, "genders": []string{"pets"}})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMonitorEndpoints(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.db.Model(&model.User{}).Where("id = ?", e.aliceID).
		Updates(map[string]any{"push_recipient": "openid-a", "push_frequency_minutes": 30}).Error)

	body := map[string]any{
		"product_id":   "u0000000012345",
		"product_code": "465185",
		"color":        "09",
		"size":         "M",
		"window_start": "00:00",
		"window_end":   "23:59",
	}
	w := e.do(t, http.MethodPost, "/monitors", e.alice, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[monitorResponse](t, w)
	require.True(t, created.Task.IsActive)
	require.Equal(t, 60, created.Task.IntervalSeconds)
	base := "/monitors/" + itoa(created.Task.ID)

	require.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, base, e.bob, nil).Code)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, base, e.admin, nil).Code)

	w = e.do(t, http.MethodPost, base+"/push", e.alice, map[string]int{"stock": 2})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode[map[string]any](t, w)
	require.Equal(t, true, first["sent"])
	require.EqualValues(t, 1800, first["frequency_seconds"])

	w = e.do(t, http.MethodPost, base+"/push", e.alice, map[string]int{"stock": 2})
	second := decode[map[string]any](t, w)
	require.Equal(t, false, second["sent"])
	require.Equal(t, true, second["rate_limited"])
	require.Equal(t, 1, e.notifier.sent)

	require.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, base+"/push", e.alice, map[string]int{"stock": 0}).Code)

	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, base+"/logs", e.alice, map[string]string{"status": "notified", "message": "in stock: 2"}).Code)
	require.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, base+"/logs", e.alice, map[string]string{"status": "weird"}).Code)
	logs := decode[[]model.TaskExecutionLog](t, e.do(t, http.MethodGet, base+"/logs", e.alice, nil))
	require.Len(t, logs, 1)
	require.Equal(t, model.LogNotified, logs[0].Status)

	w = e.do(t, http.MethodPost, base+"/stop", e.alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[monitorResponse](t, e.do(t, http.MethodGet, base, e.alice, nil))
	require.False(t, got.Task.IsActive)

	body["interval_seconds"] = 1
	require.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/monitors", e.alice, body).Code)
	require.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/monitors/424242", e.alice, nil).Code)
}

func TestPushWithoutRecipientConflicts(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/monitors", e.alice, map[string]any{"product_id": "p1", "color": "09", "size": "L"})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[monitorResponse](t, w)

	w = e.do(t, http.MethodPost, "/monitors/"+itoa(created.Task.ID)+"/push", e.alice, map[string]int{"stock": 1})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Zero(t, e.notifier.sent)
}

func TestVariantStock(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/stock?code=465185&color=09&size=M", e.alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"code":"465185","color":"09","size":"M","stock":4}`, w.Body.String())

	require.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/stock?code=465185", e.alice, nil).Code)

	e.stock.err = catalog.ErrVariantNotFound
	require.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/stock?code=465185&color=01&size=XS", e.alice, nil).Code)
}

func TestSeedDefaultsIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, e.srv.SeedDefaults(ctx))
	require.NoError(t, e.srv.SeedDefaults(ctx))

	var count int64
	require.NoError(t, e.db.Model(&model.Schedule{}).Count(&count).Error)
	require.EqualValues(t, len(model.AllCategories), count)

	// 已有用户时不再创建管理员
	require.NoError(t, e.db.Model(&model.User{}).Count(&count).Error)
	require.EqualValues(t, 3, count)
}

func itoa(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
