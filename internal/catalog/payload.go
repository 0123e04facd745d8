package catalog

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"stockwatch/internal/model"
)

// 上游接口路径，%s 依次为 locale 与参数。
const (
	listingPath = "/data/config/%s/homepage.json"
	detailPath  = "/data/products/spu/%s/%s.json"
	stockPath   = "/data/products/stock/%s/%s.json"
)

// listing 配置中的字段。
const (
	sectionsPath     = "sections"
	sectionTypeField = "type"
	sectionMarkField = "marker"
	markerType       = "categoryTab"
)

// 商品卡片可能出现的位置，按顺序尝试。
var sectionCodePaths = []string{"products.#.code", "items.#.productCode", "goods.#.code"}

var codePattern = regexp.MustCompile(`^\d{6}$`)

// Section 是 listing 配置里的一个不透明片段。
type Section struct {
	Index int
	Raw   gjson.Result
}

// Codes 返回片段中按出现顺序排列的合法货号。
func (s Section) Codes() []string {
	var out []string
	for _, p := range sectionCodePaths {
		for _, v := range s.Raw.Get(p).Array() {
			code := strings.TrimSpace(v.String())
			if codePattern.MatchString(code) {
				out = append(out, code)
			}
		}
	}
	return out
}

// markerCategory 判断片段是否为类目分隔标记，是则返回其类目。
func markerCategory(s gjson.Result) (model.Category, bool) {
	mark := s.Get(sectionMarkField).String()
	if mark == "" && s.Get(sectionTypeField).String() != markerType {
		return "", false
	}
	if mark == "" {
		mark = s.Get("name").String()
	}
	return model.ParseCategory(mark)
}

// GroupSections 顺序扫描 listing 片段，遇到类目标记时把此前累积的片段（含标记本身）
// 归入该类目。最后一个标记之后的片段不属于任何类目。
//
// 同一类目出现多个标记时片段按出现顺序追加。
func GroupSections(listing []byte) (map[model.Category][]Section, error) {
	if !gjson.ValidBytes(listing) {
		return nil, fmt.Errorf("listing payload is not valid json")
	}
	arr := gjson.GetBytes(listing, sectionsPath)
	if !arr.IsArray() {
		return nil, fmt.Errorf("listing payload has no %q array", sectionsPath)
	}

	buckets := make(map[model.Category][]Section)
	var pending []Section
	for i, raw := range arr.Array() {
		pending = append(pending, Section{Index: i, Raw: raw})
		if cat, ok := markerCategory(raw); ok {
			buckets[cat] = append(buckets[cat], pending...)
			pending = nil
		}
	}
	return buckets, nil
}

// detail 是商品详情中关心的字段。
type detail struct {
	ProductID  string
	Code       string
	Name       string
	Category   string
	BasePrice  float64
	PromoPrice float64
	MinPrice   float64
	Variants   []variant
}

type variant struct {
	SkuID string
	Color string
	Size  string
	Price float64
}

func parseDetail(body []byte) (*detail, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("detail payload is not valid json")
	}
	root := gjson.ParseBytes(body)
	if r := root.Get("resp"); r.Exists() && r.IsObject() {
		root = r
	}

	d := &detail{
		ProductID:  root.Get("productId").String(),
		Code:       root.Get("productCode").String(),
		Name:       root.Get("name").String(),
		Category:   firstString(root, "gender", "genderCategory", "category"),
		BasePrice:  root.Get("prices.base").Float(),
		PromoPrice: root.Get("prices.promo").Float(),
		MinPrice:   root.Get("prices.min").Float(),
	}
	if d.ProductID == "" {
		return nil, fmt.Errorf("detail payload missing productId")
	}

	root.Get("skus").ForEach(func(_, v gjson.Result) bool {
		d.Variants = append(d.Variants, variant{
			SkuID: v.Get("skuId").String(),
			Color: firstString(v, "color", "colorName"),
			Size:  firstString(v, "size", "sizeName"),
			Price: v.Get("price").Float(),
		})
		return true
	})
	return d, nil
}

// parseStock 把普通库存与极速达库存按 SKU 相加。
func parseStock(body []byte) (map[string]int, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("stock payload is not valid json")
	}
	root := gjson.ParseBytes(body)
	if r := root.Get("resp"); r.Exists() && r.IsObject() {
		root = r
	}

	stock := make(map[string]int)
	root.Get("skus").ForEach(func(_, v gjson.Result) bool {
		id := v.Get("skuId").String()
		if id == "" {
			return true
		}
		stock[id] += int(v.Get("stock").Int()) + int(v.Get("expressStock").Int())
		return true
	})
	return stock, nil
}

func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := v.Get(p).String(); s != "" {
			return s
		}
	}
	return ""
}
