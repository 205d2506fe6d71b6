package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"SyncCore/logger"
	authmw "SyncCore/middleware/security"
	"SyncCore/module/delivery"
	"SyncCore/module/presence"
	"SyncCore/module/session"
	prstore "SyncCore/service/storage/presence"
	"SyncCore/tools/errs"
	sec "SyncCore/tools/security"
)

// Config 是管理面板 HTTP 服务的启动参数。
type Config struct {
	Addr      string // 默认 :8089
	JWTSecret string
	Debug     bool
}

// Server 暴露会话/在线状态/回执的管理操作：查会话、强踢、查在线、补回执。
type Server struct {
	conf     Config
	registry *session.Registry
	eph      prstore.Store
	engine   *delivery.Engine
	httpSrv  *http.Server
}

func NewServer(conf Config, registry *session.Registry, eph prstore.Store, engine *delivery.Engine) *Server {
	if conf.Addr == "" {
		conf.Addr = ":8089"
	}
	return &Server{conf: conf, registry: registry, eph: eph, engine: engine}
}

// Run 阻塞服务直到 ListenAndServe 返回。
func (s *Server) Run() error {
	if !s.conf.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	grp := r.Group("/admin")
	grp.Use(authmw.Middleware(sec.DefaultOptions([]byte(s.conf.JWTSecret))))
	grp.GET("/sessions/:userID", s.listSessions)
	grp.DELETE("/sessions/:userID/:class/:deviceID", s.evictSession)
	grp.GET("/presence/:userID", s.getPresence)
	grp.POST("/receipts/:chatID/:userID/:kind", s.markReceipts)

	s.httpSrv = &http.Server{Addr: s.conf.Addr, Handler: r}
	logger.Infof("admin: listening on %s", s.conf.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown 优雅收尾。
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.registry.ListAllSessions(c.Request.Context(), c.Param("userID"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) evictSession(c *gin.Context) {
	by := c.GetString(authmw.CtxSubjectKey)
	err := s.registry.Evict(c.Request.Context(),
		c.Param("userID"), c.Param("class"), c.Param("deviceID"), by)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evicted": c.Param("deviceID"), "at_ms": time.Now().UnixMilli()})
}

func (s *Server) getPresence(c *gin.Context) {
	up, err := presence.GetPresence(c.Request.Context(), s.eph, c.Param("userID"))
	if err != nil {
		abortWith(c, err)
		return
	}
	var lastSeen int64
	if !up.LastSeen.IsZero() {
		lastSeen = up.LastSeen.UnixMilli()
	}
	resp := gin.H{
		"user_id":      up.UserID,
		"status":       up.Status,
		"last_seen_ms": lastSeen,
	}
	if !up.ConnectedAt.IsZero() {
		resp["connected_at_ms"] = up.ConnectedAt.UnixMilli()
	}
	c.JSON(http.StatusOK, resp)
}

// markReceipts 代客户端补回执（断线恢复、跨端同步时的管理入口）。
// kind 取 delivered / read，调用本身幂等。
func (s *Server) markReceipts(c *gin.Context) {
	chatID, userID := c.Param("chatID"), c.Param("userID")
	var (
		res delivery.Result
		err error
	)
	switch c.Param("kind") {
	case "delivered":
		res, err = s.engine.MarkDelivered(c.Request.Context(), chatID, userID)
	case "read":
		res, err = s.engine.MarkRead(c.Request.Context(), chatID, userID)
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "kind must be delivered or read"})
		return
	}
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scanned": res.Scanned, "marked": res.Marked})
}

// abortWith 把错误分类映射到 HTTP 状态码。
func abortWith(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindConflict:
		status = http.StatusConflict
	case errs.KindPermission:
		status = http.StatusForbidden
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
