package model

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/width"
)

// 商品新旧标记。
const (
	StatusNew = "new"
	StatusOld = "old"
)

// CatalogItem 表示一次观测中某个商品的一个可购买变体（颜色+尺码）。
//
// ID 是合成行号，跨抓取周期的匹配一律使用 Key()，而不是 ID。
type CatalogItem struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time // 首次观测时间
	UpdatedAt time.Time

	ProductID   string  `gorm:"type:varchar(64);not null"`       // 上游商品组 ID
	Code        string  `gorm:"type:varchar(32);index;not null"` // 6 位货号
	Name        string  // 商品名
	Color       string  `gorm:"type:varchar(64)"`
	Size        string  `gorm:"type:varchar(32)"`
	Price       float64 // 当前售价
	MinPrice    float64 // 最低价
	OriginPrice float64 // 原价
	StockCount  int     // 普通库存 + 极速达库存
	Category    string  `gorm:"type:varchar(16);index;not null"` // WOMEN / MEN / KIDS / BABY
	SkuID       string  `gorm:"type:varchar(64)"`                // 可能为空
	Status      string  `gorm:"type:varchar(8);default:new"`     // new / old

	IdentityKey string `gorm:"type:varchar(191);index"` // Key() 的冗余副本，仅供排查
}

var keyFolder = cases.Fold()

// NormalizeKeyPart 规整身份键的一个分量：全角转半角、去掉所有空白、大小写折叠。
func NormalizeKeyPart(s string) string {
	s = width.Fold.String(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return keyFolder.String(s)
}

// Key 返回变体的身份键。
//
// 有 SkuID 时为 "sku:<skuId>"，否则为 "v:<code>|<size>|<color>"，各分量均经过 NormalizeKeyPart。
func (c *CatalogItem) Key() string {
	if sku := NormalizeKeyPart(c.SkuID); sku != "" {
		return "sku:" + sku
	}
	return "v:" + NormalizeKeyPart(c.Code) + "|" + NormalizeKeyPart(c.Size) + "|" + NormalizeKeyPart(c.Color)
}
