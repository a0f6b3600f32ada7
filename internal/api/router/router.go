package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/helios-bulk-queue/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	bulkHandler := handler.NewBulkOperationHandler(deps)
	queueHandler := handler.NewQueueHandler(deps)

	r.GET("/health", queueHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		orgOps := v1.Group("/organizations/:organization_id/bulk-operations")
		{
			orgOps.POST("", bulkHandler.CreateBulkOperation)
			orgOps.GET("", bulkHandler.ListBulkOperations)
		}

		ops := v1.Group("/bulk-operations")
		{
			ops.GET("/:bulk_operation_id", bulkHandler.GetBulkOperation)
			ops.POST("/:bulk_operation_id/cancel", bulkHandler.CancelBulkOperation)
			ops.POST("/:bulk_operation_id/retry", bulkHandler.RetryBulkOperation)
		}

		q := v1.Group("/queue")
		{
			q.GET("/stats", queueHandler.GetStats)
			q.POST("/clean", queueHandler.CleanQueue)
		}
	}

	return r
}
