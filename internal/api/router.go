package api

import (
	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"cleanbox/pkg/rbac"
)

type Router struct {
	Engine *gin.Engine
}

type Handlers struct {
	Scan    *ScanHandler
	Tasks   *TaskHandler
	Account *AccountHandler
	Admin   *AdminHandler
}

// NewOpsEngine serves only health and metrics.
func NewOpsEngine(health healthcheck.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	mountOps(r, health)
	return r
}

func mountOps(r *gin.Engine, health healthcheck.Handler) {
	r.GET("/healthz", gin.WrapF(health.LiveEndpoint))
	r.HEAD("/healthz", gin.WrapF(health.LiveEndpoint))
	r.GET("/readyz", gin.WrapF(health.ReadyEndpoint))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func NewRouter(h Handlers, jwtSecret string, health healthcheck.Handler, logger *zap.Logger) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), RequestLogger(logger))

	// Health endpoints (放在最前面)
	mountOps(r, health)

	// Public: OAuth redirect target
	r.GET("/accounts/google/callback", h.Account.Callback)

	// Protected
	auth := r.Group("/")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		scan := auth.Group("/", RequirePermission(rbac.PermissionScan))
		scan.POST("/scan", h.Scan.Scan)
		scan.POST("/scan/initiate", h.Scan.Initiate)

		read := auth.Group("/", RequirePermission(rbac.PermissionReadTask))
		read.GET("/tasks", h.Tasks.GetTasks)
		read.GET("/tasks/processing", h.Tasks.GetProcessing)
		read.GET("/tasks/recent", h.Tasks.GetRecent)
		read.GET("/stats", h.Tasks.GetStats)

		write := auth.Group("/", RequirePermission(rbac.PermissionUpdateTask))
		write.POST("/tasks/approve", h.Tasks.Approve)
		write.POST("/tasks/:id/ignore", h.Tasks.Ignore)

		accounts := auth.Group("/accounts", RequirePermission(rbac.PermissionManageAccount))
		accounts.GET("", h.Account.List)
		accounts.GET("/google/connect", h.Account.Connect)
		accounts.POST("/:id/activate", h.Account.Activate)
		accounts.POST("/:id/disconnect", h.Account.Disconnect)

		admin := auth.Group("/admin", RequirePermission(rbac.PermissionReadJobs))
		admin.GET("/jobs", h.Admin.GetJobs)
	}

	return &Router{Engine: r}
}

func (r *Router) Run(port string) error {
	return r.Engine.Run(port)
}
