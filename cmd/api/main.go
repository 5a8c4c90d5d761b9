package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"smartattend/internal/auth"
	"smartattend/internal/checkin"
	"smartattend/internal/config"
	"smartattend/internal/embedding"
	"smartattend/internal/enroll"
	"smartattend/internal/events"
	"smartattend/internal/facemodel"
	"smartattend/internal/httpmiddleware"
	"smartattend/internal/identity"
	"smartattend/internal/liveness"
	"smartattend/internal/metrics"
	"smartattend/internal/photostore"
	"smartattend/internal/qrcheckin"
	"smartattend/internal/store"
)

func main() {
	cfg := config.Load()

	logger := newLogger(cfg.Env)
	defer logger.Sync()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api server failed", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	if env == "production" || env == "prod" {
		l, _ := zap.NewProduction()
		return l
	}
	l, _ := zap.NewDevelopment()
	return l
}

func run(cfg config.App, logger *zap.Logger) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	model := facemodel.NewHTTP(cfg.FaceModelURL, cfg.FaceModelSkip)
	if !cfg.FaceModelSkip {
		if err := model.Health(context.Background()); err != nil {
			logger.Warn("face model not reachable at startup", zap.Error(err))
		}
	}

	extractor := embedding.NewExtractor(model, embedding.DefaultGates())

	livenessCfg := liveness.DefaultConfig()
	livenessCfg.Threshold = cfg.LiveThreshold
	classifier := liveness.NewClassifier(model, livenessCfg)

	embedRepo := enroll.NewRepository(db.Client)
	matcher := identity.NewMatcher(embedRepo)
	enrollSvc := enroll.NewService(embedRepo, extractor, cfg.VerifySimilarity, logger)

	var photos checkin.PhotoStore
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		photos = photostore.NewCloudinary(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		logger.Info("audit photo store configured", zap.String("cloud", cfg.CloudinaryCloudName))
	} else {
		logger.Info("audit photo store not configured")
	}

	var queue events.Queue
	if cfg.QueueBackend == "memory" {
		queue = events.NewInMemory(64)
	} else {
		queue = events.NewRedisQueue(redisClient.Client, "")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	stats := metrics.New(registry)

	repo := checkin.NewPGRepository(db.Client)
	guard := checkin.NewGuard(repo, nil)
	engine := checkin.NewService(repo, guard, classifier, extractor, matcher, photos, queue, stats,
		checkin.Thresholds{
			CheckinSimilarity:  cfg.CheckinSimilarity,
			LowConfidenceAlert: cfg.LowConfidenceAlert,
		}, logger, nil)

	var tokens qrcheckin.TokenStore
	if cfg.QRTokenStore == "memory" {
		tokens = qrcheckin.NewMemoryStore(nil)
	} else {
		tokens = qrcheckin.NewRedisStore(redisClient.Client)
	}
	qr := qrcheckin.NewService(tokens, repo, cfg.JWTSigningKey, cfg.JWTIssuer, cfg.QRTokenTTL, logger, nil)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{SkipPaths: []string{"/healthz", "/metrics"}}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy})
	})

	r.POST("/v1/auth/token", tokenHandler(cfg))

	students := r.Group("/v1", auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStudent))
	staff := r.Group("/v1", auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleTrainer, auth.RoleAdmin))

	students.POST("/checkins/self", selfCheckinHandler(engine, logger))
	students.POST("/checkins/qr", qrRedeemHandler(qr, stats))

	staff.POST("/sessions/:id/qr-token", qrIssueHandler(qr))
	staff.POST("/students/:id/enroll", enrollHandler(enrollSvc))
	staff.GET("/sessions/:id/attempts", listAttemptsHandler(repo))

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting api server", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forced shutdown", zap.Error(err))
	}
	return nil
}

func selfCheckinHandler(engine *checkin.Service, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var form struct {
			SessionID int64    `form:"session_id" binding:"required"`
			StudentID int64    `form:"student_id" binding:"required"`
			Latitude  *float64 `form:"latitude"`
			Longitude *float64 `form:"longitude"`
			DeviceID  string   `form:"device_id"`
		}
		if err := c.ShouldBind(&form); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		file, _, err := c.Request.FormFile("image")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file required"})
			return
		}
		defer file.Close()
		image, err := io.ReadAll(file)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "read image failed"})
			return
		}

		decision, err := engine.Process(c.Request.Context(), checkin.Request{
			SessionID: form.SessionID,
			StudentID: form.StudentID,
			Image:     image,
			Latitude:  form.Latitude,
			Longitude: form.Longitude,
			DeviceID:  form.DeviceID,
			IPAddress: c.ClientIP(),
		})
		if err != nil {
			if errors.Is(err, checkin.ErrNoSessionConfig) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not configured for self check-in"})
				return
			}
			logger.Error("check-in processing failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "verification unavailable, try again"})
			return
		}

		c.JSON(http.StatusOK, decisionResponse(decision))
	}
}

// decisionResponse shapes the engine outcome for clients. Scores are
// withheld whenever the engine marked the attempt for manual review.
func decisionResponse(d *checkin.Decision) gin.H {
	resp := gin.H{
		"status":          string(d.Status),
		"liveness_passed": d.LivenessPassed,
	}
	if d.Reason != "" {
		resp["reason"] = d.Reason
	}
	if d.CheckinID != "" {
		resp["checkin_id"] = d.CheckinID
	}
	if d.RequiresReview {
		resp["requires_review"] = true
		return resp
	}
	if d.FaceConfidence != nil {
		resp["face_confidence"] = *d.FaceConfidence
	}
	if d.LocationVerified != nil {
		resp["location_verified"] = *d.LocationVerified
	}
	if d.DistanceMeters != nil {
		resp["distance_meters"] = int(*d.DistanceMeters)
	}
	return resp
}

// tokenHandler mints API tokens for subjects provisioned elsewhere.
// Guarded by a bootstrap key; identities themselves live in the SIS.
func tokenHandler(cfg config.App) gin.HandlerFunc {
	validRole := map[string]bool{auth.RoleStudent: true, auth.RoleTrainer: true, auth.RoleAdmin: true}
	return func(c *gin.Context) {
		if cfg.BootstrapKey == "" || c.GetHeader("X-Bootstrap-Key") != cfg.BootstrapKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bootstrap key required"})
			return
		}
		var req struct {
			Subject string `json:"subject" binding:"required"`
			Role    string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !validRole[req.Role] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
			return
		}
		pair, err := auth.Issue(req.Subject, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  pair.AccessToken,
			"refresh_token": pair.RefreshToken,
			"access_exp":    pair.AccessExp.Unix(),
			"refresh_exp":   pair.RefreshExp.Unix(),
		})
	}
}

func qrIssueHandler(qr *qrcheckin.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}
		var req struct {
			TrainerID int64 `json:"trainer_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		token, expires, err := qr.Issue(c.Request.Context(), sessionID, req.TrainerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"token": token, "expires_at": expires.Unix()})
	}
}

func qrRedeemHandler(qr *qrcheckin.Service, stats *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Token     string `json:"token" binding:"required"`
			StudentID int64  `json:"student_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := qr.Redeem(c.Request.Context(), req.Token, req.StudentID)
		switch {
		case errors.Is(err, qrcheckin.ErrTokenInvalid):
			stats.QRRedemptions.WithLabelValues("invalid").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token invalid or expired"})
		case errors.Is(err, qrcheckin.ErrAlreadyMarked):
			stats.QRRedemptions.WithLabelValues("already_marked").Inc()
			c.JSON(http.StatusConflict, gin.H{"error": "attendance already marked"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "redeem failed"})
		default:
			stats.QRRedemptions.WithLabelValues("ok").Inc()
			c.JSON(http.StatusCreated, gin.H{
				"session_id": rec.SessionID,
				"student_id": rec.StudentID,
				"marked_via": rec.MarkedVia,
				"marked_at":  rec.MarkedAt,
			})
		}
	}
}

func enrollHandler(svc *enroll.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		studentID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid student id"})
			return
		}
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form required"})
			return
		}
		var images [][]byte
		for _, fh := range form.File["images"] {
			f, err := fh.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable image"})
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "read image failed"})
				return
			}
			images = append(images, data)
		}

		res, err := svc.Enroll(c.Request.Context(), studentID, images)
		if err != nil {
			status := http.StatusInternalServerError
			if res != nil { // quality shortfall, not a system failure
				status = http.StatusUnprocessableEntity
			}
			body := gin.H{"error": err.Error()}
			if res != nil {
				body["rejected_reasons"] = res.Rejected
			}
			c.JSON(status, body)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"student_id":     res.StudentID,
			"accepted":       res.Accepted,
			"rejected":       res.Rejected,
			"enrolled_total": res.Enrolled,
		})
	}
}

func listAttemptsHandler(repo checkin.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}
		limit, offset := 50, 0
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				offset = parsed
			}
		}
		attempts, err := repo.ListAttempts(c.Request.Context(), sessionID, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"attempts": attempts})
	}
}

// CORS middleware for browser requests.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
