package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	sec "SyncCore/tools/security"
)

// —— context key ——
// 后续 handler 统一用这俩 key 读取
const (
	CtxSubjectKey = "authSubject" // string
	CtxClaimsKey  = "authClaims"  // *sec.Claims
)

// Middleware 校验 Authorization: Bearer <token>，失败直接 401 终止。
// 通过后把 sub 与完整 claims 写进请求 context。
func Middleware(opts sec.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.GetHeader("Authorization"))
		if strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = strings.TrimSpace(token[len("bearer "):])
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := sec.Verify(opts, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(CtxSubjectKey, claims.Subject())
		c.Set(CtxClaimsKey, claims)
		c.Next()
	}
}
