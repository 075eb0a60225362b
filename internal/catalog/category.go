package catalog

import (
	"strings"

	"storefront/internal/model"
)

// categoryTable 前端分类标签与规范类别 ID 到 ProductType 的显式映射，键为小写。
var categoryTable = map[string]model.ProductType{
	"gift_card":     model.ProductGiftCard,
	"gift-card":     model.ProductGiftCard,
	"gift-cards":    model.ProductGiftCard,
	"gift card":     model.ProductGiftCard,
	"gift cards":    model.ProductGiftCard,
	"giftcards":     model.ProductGiftCard,
	"subscription":  model.ProductGiftCard,
	"subscriptions": model.ProductGiftCard,

	"game_points": model.ProductGamePoints,
	"game-points": model.ProductGamePoints,
	"game points": model.ProductGamePoints,
	"gaming":      model.ProductGamePoints,
	"top-up":      model.ProductGamePoints,
	"top up":      model.ProductGamePoints,

	"xbox_game":  model.ProductXboxGame,
	"xbox-game":  model.ProductXboxGame,
	"xbox-games": model.ProductXboxGame,
	"xbox game":  model.ProductXboxGame,
	"xbox games": model.ProductXboxGame,
	"xbox":       model.ProductXboxGame,

	"streaming_service":  model.ProductStreamingService,
	"streaming-service":  model.ProductStreamingService,
	"streaming-services": model.ProductStreamingService,
	"streaming service":  model.ProductStreamingService,
	"streaming services": model.ProductStreamingService,
	"streaming":          model.ProductStreamingService,

	"software":          model.ProductSoftware,
	"software-licenses": model.ProductSoftware,
	"software licenses": model.ProductSoftware,
	"accessories":       model.ProductSoftware,
}

// lookupCategory 只查显式映射表。
func lookupCategory(label string) (model.ProductType, bool) {
	t, ok := categoryTable[strings.ToLower(strings.TrimSpace(label))]
	return t, ok
}

// heuristicCategory 按子串优先级猜测类别，仅用于映射表未覆盖的历史数据。
// 注意 "card" 先于 "game" 判断，"game" 单独出现时归为 xbox_game。
func heuristicCategory(label string) model.ProductType {
	s := strings.ToLower(label)
	switch {
	case strings.Contains(s, "gift") || strings.Contains(s, "card"):
		return model.ProductGiftCard
	case strings.Contains(s, "game") && strings.Contains(s, "point"):
		return model.ProductGamePoints
	case strings.Contains(s, "xbox") || strings.Contains(s, "game"):
		return model.ProductXboxGame
	case strings.Contains(s, "stream"):
		return model.ProductStreamingService
	default:
		return model.ProductSoftware
	}
}
