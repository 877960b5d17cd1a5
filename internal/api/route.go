package api

import (
	"Kaarigar/internal/api/config"
	"Kaarigar/internal/api/middleware"
	"Kaarigar/internal/pkg/logger"
	"Kaarigar/internal/pkg/partition"
	"net/http"

	"github.com/gin-gonic/gin"
)

func SetupRouter(cfg *config.Config, group *HandlersGroup) *gin.Engine {
	r := gin.New()
	_ = r.SetTrustedProxies([]string{"localhost"})

	// TraceId & Logger & CORS
	r.Use(middleware.TraceMiddleware())
	r.Use(middleware.CORSMiddleware(cfg.Server.AllowOrigins))
	logger.SetupGin(r, cfg.Logstash)

	auth := middleware.AuthMiddleware(group.Revocations)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/ping", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"code":    200,
				"message": "pong",
				"data":    nil,
			})
		})

		identityGroup := apiGroup.Group("/identity")
		identityGroup.Use(auth)
		{
			identityGroup.GET("/:account_id", group.IdentityHandler.Resolve)
		}

		convGroup := apiGroup.Group("/conversations")
		convGroup.Use(auth)
		{
			convGroup.POST("", group.IMHandler.CreateConversation)
			convGroup.GET("", group.IMHandler.GetConversationList)
			convGroup.GET("/:id", group.IMHandler.GetConversation)
			convGroup.DELETE("/:id", group.IMHandler.DeleteConversation)
			convGroup.POST("/:id/messages", group.IMHandler.SendMessage)
			convGroup.GET("/:id/messages", group.IMHandler.GetMessages)
			convGroup.POST("/:id/read", group.IMHandler.MarkAsRead)
		}

		providerGroup := apiGroup.Group("/providers")
		providerGroup.Use(auth)
		{
			providerGroup.GET("", group.ProviderHandler.Search)
			providerGroup.GET("/:id", group.ProviderHandler.GetProfile)
			providerGroup.PUT("/me/areas", middleware.CheckRoles(partition.RoleProvider), group.ProviderHandler.UpdateAreas)
			providerGroup.POST("/register", middleware.CheckRoles(partition.RoleCustomer), group.ProviderHandler.Register)
		}

		// 需要登录 & 拥有 admin 角色
		adminGroup := apiGroup.Group("/admin")
		adminGroup.Use(auth, middleware.CheckRoles(partition.RoleAdmin), middleware.AuditMiddleware())
		{
			adminGroup.GET("/conversations", group.IMHandler.AdminListConversations)
			adminGroup.DELETE("/conversations/:id", group.IMHandler.AdminDeleteConversation)
			adminGroup.GET("/users", group.AccountHandler.ListUsers)
			adminGroup.POST("/users/:id/ban", group.AccountHandler.BanUser)
			adminGroup.POST("/users/:id/unban", group.AccountHandler.UnbanUser)
		}
	}

	return r
}
