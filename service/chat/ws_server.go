package chat

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	mid "PPChat/middleware"
	"PPChat/middleware/security"
)

var upgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(r *http.Request) bool { return true }}

// WsServer mounts the gateway's WebSocket endpoints on gin.
type WsServer struct {
	ctx  context.Context // server lifetime; cancelling it closes every session
	gw   *Gateway
	conf WsConfig
	auth *security.Options
	log  *zap.Logger
}

func NewWsServer(ctx context.Context, gw *Gateway, conf WsConfig, auth *security.Options, log *zap.Logger) *WsServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &WsServer{ctx: ctx, gw: gw, conf: conf, auth: auth, log: log.Named("ws")}
}

// Register adds the WebSocket routes and /healthz to r.
func (s *WsServer) Register(r gin.IRouter) {
	opt := mid.RouteOpt{Auth: s.auth}
	mid.GET(r, "/ws/chat/:other_user_id", s.HandleChat, opt)
	mid.GET(r, "/ws/chatlist", s.handle(KindChatList), opt)
	mid.GET(r, "/ws/status", s.handle(KindStatus), opt)
	mid.GET(r, "/healthz", s.HandleHealth, mid.RouteOpt{})
}

func (s *WsServer) HandleChat(c *gin.Context) {
	other, err := strconv.ParseInt(c.Param("other_user_id"), 10, 64)
	if err != nil || other <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "other_user_id must be a positive integer"})
		return
	}
	s.serve(c, Handshake{Kind: KindChat, OtherUserID: other})
}

func (s *WsServer) handle(k Kind) gin.HandlerFunc {
	return func(c *gin.Context) { s.serve(c, Handshake{Kind: k}) }
}

// serve ===== WebSocket 处理 =====
// The upgrade always completes so that rejections reach the client as close codes.
func (s *WsServer) serve(c *gin.Context, hs Handshake) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		s.log.Info("upgrade websocket failed", zap.Error(err))
		return
	}
	hs.Credential = security.Credential(c)
	hs.Remote = c.ClientIP()

	tr := NewWsTransport(ws, s.conf, s.log)
	if err := s.gw.Serve(s.ctx, tr, hs); err != nil {
		s.log.Info("handshake rejected", zap.String("kind", string(hs.Kind)), zap.String("remote", hs.Remote), zap.Error(err))
	}
}

func (s *WsServer) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"node":     s.gw.Sessions().GwId(),
		"sessions": s.gw.Sessions().Count(),
	})
}
