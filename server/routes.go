package server

import (
	"github.com/labstack/echo/v4"
)

func (s *Server) SetupRoutes(authMiddleware, staffMiddleware, rateLimitMiddleware echo.MiddlewareFunc) {
	e := s.Echo
	api := e.Group("/api/v1")

	// 需要认证
	protected := api.Group("")
	protected.Use(authMiddleware)
	{
		support := protected.Group("/support")
		{
			support.GET("/chat/:userId", s.SupportHandler.GetChat)                                      // 会话历史
			support.GET("/sessions", s.SupportHandler.GetSessions)                                      // 会话列表
			support.POST("/message", s.SupportHandler.SendMessage, rateLimitMiddleware)                 // 发送消息（REST回退路径）
			support.PATCH("/session/:sessionId", s.SupportHandler.UpdateSessionStatus, staffMiddleware) // 更新状态
			support.GET("/online/:userId", s.SupportHandler.GetOnlineUsers)                             // 在线连接
		}
		protected.GET("/support/ws", s.SupportWSHandler.HandleWebSocket)
	}
}
