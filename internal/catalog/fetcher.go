// Package catalog 从上游商品目录抓取候选货号与在售变体。
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"stockwatch/internal/config"
	"stockwatch/internal/model"
	"stockwatch/internal/pkg/metrics"
	"stockwatch/internal/pkg/ratelimit"
)

var (
	// ErrUnknownCategory 类目名称无法识别。
	ErrUnknownCategory = errors.New("unknown category")
	// ErrVariantNotFound 商品详情中没有对应颜色尺码。
	ErrVariantNotFound = errors.New("variant not found")
)

const maxBodyBytes = 8 << 20

// Fetcher 访问上游目录接口。
//
// 不设置请求超时（除非配置了 request_timeout），单个请求挂起只占用一个 worker。
type Fetcher struct {
	baseURL   string
	locale    string
	userAgent string
	workers   int
	jitterMax time.Duration

	client  *http.Client
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	randMu sync.Mutex
	rnd    *rand.Rand
}

// New 创建 Fetcher，limiter 可为 nil。
func New(cfg config.CatalogConfig, limiter *ratelimit.Limiter, logger *slog.Logger) *Fetcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 20
	}
	return &Fetcher{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		locale:    cfg.Locale,
		userAgent: cfg.UserAgent,
		workers:   workers,
		jitterMax: cfg.JitterMax,
		client:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter:   limiter,
		logger:    logger,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// FetchCandidateCodes 拉取 listing 配置并返回类目下去重后的货号。
//
// 每次调用都重新分组，category 为空时返回全部类目的货号。
func (f *Fetcher) FetchCandidateCodes(ctx context.Context, category string) ([]string, error) {
	var want model.Category
	if category != "" {
		c, ok := model.ParseCategory(category)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
		}
		want = c
	}

	body, err := f.get(ctx, "listing", fmt.Sprintf(listingPath, f.locale))
	if err != nil {
		return nil, fmt.Errorf("fetch listing: %w", err)
	}
	buckets, err := GroupSections(body)
	if err != nil {
		return nil, err
	}

	cats := model.AllCategories
	if want != "" {
		cats = []model.Category{want}
	}

	seen := make(map[string]struct{})
	var codes []string
	for _, c := range cats {
		for _, sec := range buckets[c] {
			for _, code := range sec.Codes() {
				if _, dup := seen[code]; dup {
					continue
				}
				seen[code] = struct{}{}
				codes = append(codes, code)
			}
		}
	}

	f.logger.Debug("candidate codes collected",
		slog.String("category", string(want)),
		slog.Int("buckets", len(buckets)),
		slog.Int("codes", len(codes)))
	return codes, nil
}

// FetchCatalogItems 并发抓取每个货号的详情与库存，只返回库存大于 0 的变体。
//
// 单个货号失败会被跳过，不重试；只有 ctx 取消时返回错误。
func (f *Fetcher) FetchCatalogItems(ctx context.Context, codes []string, category string) ([]model.CatalogItem, error) {
	results := make([][]model.CatalogItem, len(codes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)
	for i, code := range codes {
		i, code := i, code
		g.Go(func() error {
			if err := f.jitter(gctx); err != nil {
				return nil
			}
			items, err := f.fetchProduct(gctx, code, category)
			if err != nil {
				f.logger.Warn("skip candidate",
					slog.String("code", code),
					slog.String("error", err.Error()))
				return nil
			}
			results[i] = items
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []model.CatalogItem
	for _, items := range results {
		out = append(out, items...)
	}
	return out, nil
}

// VariantStock 返回单个变体的库存（普通 + 极速达）。
func (f *Fetcher) VariantStock(ctx context.Context, code, color, size string) (int, error) {
	d, err := f.fetchDetail(ctx, code)
	if err != nil {
		return 0, err
	}
	stock, err := f.fetchStock(ctx, d.ProductID)
	if err != nil {
		return 0, err
	}

	wantColor, wantSize := model.NormalizeKeyPart(color), model.NormalizeKeyPart(size)
	found := false
	total := 0
	for _, v := range d.Variants {
		if model.NormalizeKeyPart(v.Color) != wantColor || model.NormalizeKeyPart(v.Size) != wantSize {
			continue
		}
		found = true
		total += stock[v.SkuID]
	}
	if !found {
		return 0, fmt.Errorf("%w: %s %s/%s", ErrVariantNotFound, code, color, size)
	}
	return total, nil
}

func (f *Fetcher) fetchProduct(ctx context.Context, code, category string) ([]model.CatalogItem, error) {
	d, err := f.fetchDetail(ctx, code)
	if err != nil {
		return nil, err
	}

	// 详情里的类目为准，分组启发式可能不准
	if category != "" && !model.MatchCategory(d.Category, category) {
		f.logger.Debug("category mismatch, skip",
			slog.String("code", code),
			slog.String("want", category),
			slog.String("got", d.Category))
		return nil, nil
	}

	stock, err := f.fetchStock(ctx, d.ProductID)
	if err != nil {
		return nil, err
	}
	return buildItems(d, code, stock), nil
}

func buildItems(d *detail, code string, stock map[string]int) []model.CatalogItem {
	cat := d.Category
	if c, ok := model.ParseCategory(d.Category); ok {
		cat = string(c)
	}
	if d.Code != "" {
		code = d.Code
	}

	var items []model.CatalogItem
	for _, v := range d.Variants {
		n := stock[v.SkuID]
		if n <= 0 {
			continue
		}
		price := firstPositive(v.Price, d.PromoPrice, d.BasePrice)
		item := model.CatalogItem{
			ProductID:   d.ProductID,
			Code:        code,
			Name:        d.Name,
			Color:       v.Color,
			Size:        v.Size,
			Price:       price,
			MinPrice:    firstPositive(d.MinPrice, price),
			OriginPrice: firstPositive(d.BasePrice, price),
			StockCount:  n,
			Category:    cat,
			SkuID:       v.SkuID,
			Status:      model.StatusNew,
		}
		items = append(items, item)
	}
	return items
}

func (f *Fetcher) fetchDetail(ctx context.Context, code string) (*detail, error) {
	body, err := f.get(ctx, "detail", fmt.Sprintf(detailPath, f.locale, code))
	if err != nil {
		return nil, fmt.Errorf("fetch detail %s: %w", code, err)
	}
	return parseDetail(body)
}

func (f *Fetcher) fetchStock(ctx context.Context, productID string) (map[string]int, error) {
	body, err := f.get(ctx, "stock", fmt.Sprintf(stockPath, f.locale, productID))
	if err != nil {
		return nil, fmt.Errorf("fetch stock %s: %w", productID, err)
	}
	return parseStock(body)
}

// get 发起一次 GET，非 2xx 视为错误。
func (f *Fetcher) get(ctx context.Context, endpoint, path string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, "status_"+fmt.Sprint(resp.StatusCode)).Inc()
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, "ok").Inc()
	return body, nil
}

func (f *Fetcher) jitter(ctx context.Context) error {
	if f.jitterMax <= 0 {
		return ctx.Err()
	}
	f.randMu.Lock()
	d := time.Duration(f.rnd.Int63n(int64(f.jitterMax)))
	f.randMu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func firstPositive(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
