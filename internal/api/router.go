package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mesikahq/dpi/internal/auth"
	"github.com/mesikahq/dpi/internal/middleware"
)

type RouterConfig struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
	// RateLimitRPS <= 0 disables rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int
	MaxUploadBytes int64
}

type Router struct {
	handler        *Handler
	authMiddleware gin.HandlerFunc
	cfg            RouterConfig
}

func NewRouter(handler *Handler, authService auth.Service, cfg RouterConfig) *Router {
	return &Router{
		handler:        handler,
		authMiddleware: auth.Middleware(authService, handler.logger),
		cfg:            cfg,
	}
}

func (r *Router) SetupRouter(logger *zap.Logger) *gin.Engine {
	router := gin.New()
	if r.cfg.MaxUploadBytes > 0 {
		router.MaxMultipartMemory = r.cfg.MaxUploadBytes
	}

	router.Use(
		middleware.RequestID(),
		middleware.AuditContext(),
		middleware.SecurityHeaders(),
		middleware.Logger(logger),
		middleware.Recovery(logger),
	)
	if r.cfg.RateLimitRPS > 0 {
		router.Use(middleware.NewRateLimiter(r.cfg.RateLimitRPS, r.cfg.RateLimitBurst).Middleware())
	}
	router.Use(middleware.CORS(r.cfg.CORSOrigins))
	if r.cfg.RequestTimeout > 0 {
		router.Use(middleware.Timeout(r.cfg.RequestTimeout))
	}

	router.GET("/health", r.handler.HealthCheck)

	h := r.handler
	api := router.Group("/api")
	{
		api.POST("/auth/login", h.Login)

		protected := api.Group("")
		protected.Use(r.authMiddleware)
		{
			protected.GET("/auth/me", h.Me)

			records := protected.Group("/records")
			{
				records.POST("", h.CreateRecord)
				records.GET("", h.ListRecords)
				records.GET("/:nss", h.GetRecord)
				records.DELETE("/:nss", h.DeleteRecord)
				records.GET("/:nss/full", h.FullRecord)
				records.GET("/:nss/identifier.png", h.IdentifierImage)
				records.GET("/:nss/history", h.RecordHistory)
				records.PUT("/:nss/attending-physician", h.ReassignPhysician)

				records.POST("/:nss/care-notes", h.AddCareNote)
				records.GET("/:nss/care-notes", h.ListCareNotes)
				records.POST("/:nss/imaging-reports", r.uploadLimit(), h.AddImagingReport)
				records.GET("/:nss/imaging-reports", h.ListImagingReports)
				records.POST("/:nss/lab-panels", h.OrderLabPanel)
				records.GET("/:nss/lab-panels", h.ListLabPanels)
				records.POST("/:nss/prescriptions", h.CreatePrescription)
				records.GET("/:nss/prescriptions", h.ListPrescriptions)
				records.POST("/:nss/summaries", h.CreateSummary)
				records.GET("/:nss/summaries", h.ListSummaries)
			}

			protected.POST("/lab-panels/:id/results", h.FillLabPanel)
			protected.PATCH("/prescriptions/:id/status", h.UpdatePrescriptionStatus)
			protected.GET("/imaging-reports/:id/image", h.ImagingAttachment)
			protected.GET("/patients/:id/nss", h.LookupNSS)

			staff := protected.Group("/staff")
			{
				staff.POST("", h.RegisterStaff)
				staff.GET("", h.ListStaff)
				staff.DELETE("/:id", h.DeleteStaff)
			}

			protected.GET("/audit/events", h.GetAuditEvents)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	return router
}

func (r *Router) uploadLimit() gin.HandlerFunc {
	if r.cfg.MaxUploadBytes <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return middleware.BodyLimit(r.cfg.MaxUploadBytes)
}
