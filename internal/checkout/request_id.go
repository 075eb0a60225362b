package checkout

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// RequestID 由用户、购物车内容、支付方式与客户端 nonce 派生。
// 购物车行按名称排序后参与计算，行顺序不影响结果。
func RequestID(userID string, cart []CartLine, method string, nonce string) string {
	lines := make([]string, 0, len(cart))
	for _, l := range cart {
		lines = append(lines, strings.Join([]string{
			strings.TrimSpace(l.Name),
			strings.TrimSpace(l.Category),
			strconv.Itoa(l.Quantity),
			strconv.FormatInt(l.UnitPrice, 10),
		}, "\x1f"))
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, part := range []string{userID, strings.Join(lines, "\x1e"), method, nonce} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
