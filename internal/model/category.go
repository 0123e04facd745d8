package model

import (
	"strings"
)

// Category 是商品目录的顶层分区。
type Category string

const (
	CategoryWomen Category = "WOMEN"
	CategoryMen   Category = "MEN"
	CategoryKids  Category = "KIDS"
	CategoryBaby  Category = "BABY"
)

// AllCategories 按抓取顺序列出全部类目。
var AllCategories = []Category{CategoryWomen, CategoryMen, CategoryKids, CategoryBaby}

// 别名按顺序匹配，WOMEN 必须先于 MEN（"women" 包含 "men"）。
var categoryAliases = []struct {
	cat     Category
	needles []string
}{
	{CategoryWomen, []string{"women", "woman", "ladies", "女装", "女士", "女"}},
	{CategoryMen, []string{"men", "man", "男装", "男士", "男"}},
	{CategoryKids, []string{"kids", "kid", "children", "child", "童装", "儿童", "童"}},
	{CategoryBaby, []string{"baby", "babies", "infant", "婴幼儿", "婴儿", "婴"}},
}

// ParseCategory 容错地解析类目名称，大小写不敏感，允许子串匹配。
func ParseCategory(s string) (Category, bool) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return "", false
	}
	for _, a := range categoryAliases {
		for _, n := range a.needles {
			if strings.Contains(v, n) {
				return a.cat, true
			}
		}
	}
	return "", false
}

// MatchCategory 判断两个类目描述是否指向同一个类目。
func MatchCategory(a, b string) bool {
	ca, ok := ParseCategory(a)
	if !ok {
		return false
	}
	cb, ok := ParseCategory(b)
	return ok && ca == cb
}

func (c Category) String() string { return string(c) }
