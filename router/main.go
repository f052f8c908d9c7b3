// Package router wires the HTTP surfaces onto the gin engine.
package router

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/llmgate/llmgate/controller"
	"github.com/llmgate/llmgate/middleware"
	"github.com/llmgate/llmgate/relay/apiformat"
)

// Dependencies carries the constructed handlers into the route table.
type Dependencies struct {
	Relay *controller.Relay
	Admin *controller.Admin
}

func SetRouter(server *gin.Engine, deps *Dependencies) {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders,
		"Authorization", "x-api-key", "x-goog-api-key", "anthropic-version", "anthropic-beta")
	server.Use(cors.New(corsConfig))

	server.GET("/healthz", controller.Healthz)
	server.GET("/readyz", controller.Readyz)
	server.GET("/v1/health", controller.Healthz)
	server.GET("/metrics", gin.WrapH(promhttp.Handler()))

	setRelayRouter(server, deps.Relay)
	setAdminRouter(server, deps.Admin)
}

func setRelayRouter(server *gin.Engine, relay *controller.Relay) {
	claude := server.Group("/v1",
		middleware.SetAPIFormat(apiformat.Claude),
		middleware.KeyAuth(),
		middleware.RelayRateLimit(),
	)
	claude.POST("/messages", middleware.ResolveRequest(false), relay.Handle)
	claude.POST("/messages/count_tokens", middleware.ResolveRequest(true), relay.Handle)

	openai := server.Group("/v1",
		middleware.SetAPIFormat(apiformat.OpenAI),
		middleware.KeyAuth(),
		middleware.RelayRateLimit(),
	)
	openai.POST("/chat/completions", middleware.ResolveRequest(false), relay.Handle)

	responses := server.Group("/v1",
		middleware.SetAPIFormat(apiformat.OpenAICLI),
		middleware.KeyAuth(),
		middleware.RelayRateLimit(),
	)
	responses.POST("/responses", middleware.ResolveRequest(false), relay.Handle)

	gemini := server.Group("/v1beta",
		middleware.SetAPIFormat(apiformat.Gemini),
		middleware.KeyAuth(),
		middleware.RelayRateLimit(),
	)
	gemini.POST("/models/:modelAndAction", middleware.ResolveRequest(false), relay.Handle)

	catalog := server.Group("/v1", middleware.KeyAuth())
	catalog.GET("/models", controller.ListModels)
	catalog.GET("/models/:model", controller.RetrieveModel)
}

func setAdminRouter(server *gin.Engine, admin *controller.Admin) {
	api := server.Group("/api",
		middleware.GlobalAPIRateLimit(),
		middleware.AdminAuth(),
	)
	api.GET("/circuits", admin.ListCircuits)
	api.POST("/circuits/reset", admin.ResetAllCircuits)
	api.POST("/circuits/:keyId/reset", admin.ResetCircuit)
	api.POST("/keys/:keyId/reset-learning", admin.ResetLearning)
	api.POST("/providers/:providerId/disable", admin.DisableProvider)
	api.POST("/providers/:providerId/enable", admin.EnableProvider)
}
