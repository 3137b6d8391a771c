package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hqtran/collabhub/internal/api/handler"
	"github.com/hqtran/collabhub/internal/api/middleware"
	"github.com/hqtran/collabhub/internal/gateway"
)

// SetupRouter configures and returns the Gin router with all routes.
func SetupRouter(deps *handler.Dependencies, hub *gateway.Hub) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "collabhub-api",
		})
	})

	r.GET("/ws", gateway.ServeWS(hub, deps.Verifier))

	jobHandler := handler.NewJobHandler(deps)
	authn := middleware.Authenticate(deps.Verifier)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs", authn)
		{
			jobs.POST("/code-execution", jobHandler.SubmitCodeExecution)
			jobs.POST("/file-processing", jobHandler.SubmitFileProcessing)
			jobs.POST("/data-export", jobHandler.SubmitDataExport)

			jobs.GET("", jobHandler.ListUserJobs)
			jobs.GET("/stats", jobHandler.GetQueueStats)
			jobs.GET("/projects/:projectId", jobHandler.ListProjectJobs)

			jobs.GET("/:jobId", jobHandler.GetJobStatus)
			jobs.POST("/:jobId/retry", jobHandler.RetryJob)
			jobs.DELETE("/:jobId", jobHandler.CancelJob)
		}
	}

	return r
}
