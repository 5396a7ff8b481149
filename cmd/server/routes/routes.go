package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/flowforge/flowforge/cmd/server/container"
	"github.com/flowforge/flowforge/cmd/server/handlers"
	"github.com/flowforge/flowforge/cmd/server/middleware"
	"github.com/flowforge/flowforge/common/ratelimit"
)

// Register wires every API route. All routes sit behind JWT auth;
// expensive operations additionally sit behind the rate limiter.
func Register(e *echo.Echo, c *container.Container) {
	cfg := c.Components.Config
	api := e.Group("/api/v1", middleware.JWT(cfg.Security.JWTSecret, cfg.Security.JWTIssuer))

	workflowHandler := handlers.NewWorkflowHandler(c)
	executionHandler := handlers.NewExecutionHandler(c)
	streamHandler := handlers.NewStreamHandler(c)
	hitlHandler := handlers.NewHITLHandler(c)
	credentialHandler := handlers.NewCredentialHandler(c)

	compileLimit := middleware.RateLimit(c.Limiter, ratelimit.ActionCompile)
	executeLimit := middleware.RateLimit(c.Limiter, ratelimit.ActionExecute)

	workflows := api.Group("/workflows")
	{
		workflows.POST("", workflowHandler.CreateWorkflow)
		workflows.GET("", workflowHandler.ListWorkflows)
		workflows.POST("/compile", workflowHandler.Compile, compileLimit)
		workflows.GET("/:id", workflowHandler.GetWorkflow)
		workflows.DELETE("/:id", workflowHandler.DeleteWorkflow)
		workflows.PUT("/:id/definition", workflowHandler.UpdateDefinition)
		workflows.PATCH("/:id/definition", workflowHandler.PatchDefinition)
		workflows.POST("/:id/status", workflowHandler.UpdateStatus)
		workflows.GET("/:id/versions", workflowHandler.ListVersions)
		workflows.GET("/:id/versions/:version", workflowHandler.GetVersion)
		workflows.POST("/:id/execute", executionHandler.Execute, executeLimit)
		workflows.GET("/:id/executions", executionHandler.ListExecutions)
	}

	executions := api.Group("/executions")
	{
		executions.GET("/:id", executionHandler.GetExecution)
		executions.POST("/:id/pause", executionHandler.Pause)
		executions.POST("/:id/resume", executionHandler.Resume)
		executions.POST("/:id/stop", executionHandler.Stop)
		executions.GET("/:id/stream", streamHandler.Stream)
		executions.GET("/:id/events", streamHandler.Events)
	}

	hitl := api.Group("/hitl")
	{
		hitl.GET("/pending", hitlHandler.ListPending)
		hitl.POST("/:id/respond", hitlHandler.Respond)
	}

	credentials := api.Group("/credentials")
	{
		credentials.GET("/types", credentialHandler.Types)
		credentials.POST("", credentialHandler.Create)
		credentials.GET("", credentialHandler.List)
		credentials.GET("/:id", credentialHandler.Get)
		credentials.PUT("/:id", credentialHandler.Update)
		credentials.DELETE("/:id", credentialHandler.Delete)
		credentials.POST("/:id/verify", credentialHandler.Verify)
		credentials.GET("/:id/audit", credentialHandler.Audit)
	}

	api.GET("/node-types", workflowHandler.NodeTypes)
}
