package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/studiodesk/internal/api/handler"
	"github.com/timmy/studiodesk/internal/api/middleware"
	"github.com/timmy/studiodesk/internal/logger"
	"github.com/timmy/studiodesk/internal/progress"
)

// Dependencies are the services behind the HTTP API.
type Dependencies struct {
	Archives handler.ArchiveService
	Links    handler.LinkService
	Hub      *progress.Hub
	Tokens   map[string]string
	CORS     middleware.CORSConfig
	Checks   map[string]handler.Pinger
	Logger   *logger.Logger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps Dependencies, mode string) *gin.Engine {
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	log := deps.Logger
	if log == nil {
		log = logger.GetDefault()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.CORS(deps.CORS))

	healthHandler := handler.NewHealthHandler(deps.Checks)
	archiveHandler := handler.NewArchiveHandler(deps.Archives)
	progressHandler := handler.NewProgressHandler(deps.Hub, deps.CORS)
	driveHandler := handler.NewDriveHandler(deps.Links)

	r.GET("/health", healthHandler.Health)

	v1 := r.Group("/api/v1", middleware.Auth(deps.Tokens))
	{
		// Archives
		v1.POST("/requests/:number/archive", archiveHandler.RequestArchive)
		v1.GET("/requests/:number/archive", archiveHandler.GetArchive)

		// Progress channel
		v1.GET("/progress/ws", progressHandler.Connect)

		// Drive
		v1.POST("/drive/links", driveHandler.LinkBarcodes)
	}

	return r
}
