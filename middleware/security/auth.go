package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// context key
// handlers read the extracted credential through Credential(c)
const (
	PPCtxAuthKey = "authorization" // string
)

type Options struct {
	// 读取哪个请求头
	HeaderToken               string // 默认 "authorization"
	QueryToken                string // 默认 "token"，浏览器 WebSocket 无法自定义请求头
	EnableAuthorizationBearer bool   // 默认 true
}

func DefaultOptions() *Options {
	return &Options{
		HeaderToken:               PPCtxAuthKey,
		QueryToken:                "token",
		EnableAuthorizationBearer: true,
	}
}

// Extract returns the bearer credential carried by r, or "" when there is none.
// Lookup order: query parameter, raw token header, Authorization: Bearer.
func Extract(r *http.Request, opts *Options) string {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.QueryToken != "" {
		if tok := strings.TrimSpace(r.URL.Query().Get(opts.QueryToken)); tok != "" {
			return tok
		}
	}
	authz := strings.TrimSpace(r.Header.Get(opts.HeaderToken))
	if authz == "" {
		return ""
	}
	// 兼容 Authorization: Bearer xxx
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		if !opts.EnableAuthorizationBearer {
			return ""
		}
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return authz
}

// Middleware stores the extracted credential in the gin context. It never
// aborts: WebSocket routes must complete the upgrade before they can close
// with a policy-violation code.
func Middleware(opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions()
	}
	return func(c *gin.Context) {
		if token := Extract(c.Request, opts); token != "" {
			c.Set(PPCtxAuthKey, token)
		}
		c.Next()
	}
}

// Credential returns the token stored by Middleware.
func Credential(c *gin.Context) string {
	return c.GetString(PPCtxAuthKey)
}
