package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	HeaderUserID     = "X-User-ID"
	HeaderAdminToken = "X-Admin-Token"

	ctxUserID  = "storefront.user_id"
	ctxIsAdmin = "storefront.is_admin"
)

// Identity 读取上游网关注入的用户标识。鉴权本身由网关完成。
func Identity(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if uid := strings.TrimSpace(c.GetHeader(HeaderUserID)); uid != "" {
			c.Set(ctxUserID, uid)
		}
		if tok := c.GetHeader(HeaderAdminToken); tok != "" && adminToken != "" &&
			subtle.ConstantTimeCompare([]byte(tok), []byte(adminToken)) == 1 {
			c.Set(ctxIsAdmin, true)
		}
		c.Next()
	}
}

// UserID 当前请求的用户 ID，未识别时为空。
func UserID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ctxIsAdmin)
}

// RequireUser 缺少用户标识返回 401。
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized, "msg": "missing " + HeaderUserID, "kind": "unauthorized",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin 运营接口令牌校验。
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code": http.StatusForbidden, "msg": "admin token required", "kind": "forbidden",
			})
			return
		}
		c.Next()
	}
}

// Actor 写入事件时间线的操作人。
func Actor(c *gin.Context) string {
	if IsAdmin(c) {
		if uid := UserID(c); uid != "" {
			return "admin:" + uid
		}
		return "admin"
	}
	return UserID(c)
}
