package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Klab-Rwanda/program-manager-sub005/internal/attendance"
	"github.com/Klab-Rwanda/program-manager-sub005/internal/auth"
	"github.com/Klab-Rwanda/program-manager-sub005/internal/config"
	"github.com/Klab-Rwanda/program-manager-sub005/internal/geo"
	"github.com/Klab-Rwanda/program-manager-sub005/internal/httpmiddleware"
	"github.com/Klab-Rwanda/program-manager-sub005/internal/queue"
	"github.com/Klab-Rwanda/program-manager-sub005/internal/session"
	"github.com/Klab-Rwanda/program-manager-sub005/internal/store"
	"github.com/Klab-Rwanda/program-manager-sub005/internal/token"
)

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendance:events")
	}

	var sessions session.Provider
	if cfg.SessionSource == "http" {
		sessions = session.NewClient(cfg.ProgramServiceURL, cfg.SessionStub)
	} else {
		sessions = session.NewStore(db.Client)
	}

	tokenState := token.NewRedisStore(redisClient.Client)
	issuer := token.NewIssuer(token.IssuerConfig{
		Secret:       []byte(cfg.TokenSecret),
		Issuer:       cfg.JWTIssuer,
		DefaultTTL:   cfg.TokenTTL,
		BaseURL:      cfg.CheckinBaseURL,
		SingleActive: cfg.SingleActiveToken,
	}, sessions, tokenState)
	verifier := token.NewVerifier(token.VerifierConfig{
		Secret:       []byte(cfg.TokenSecret),
		Issuer:       cfg.JWTIssuer,
		SingleUse:    cfg.SingleUseTokens,
		SingleActive: cfg.SingleActiveToken,
	}, tokenState, tokenState)

	repo := attendance.NewRepository(db.Client)
	att := attendance.NewService(repo, sessions, verifier, cfg.GracePeriod, cfg.DefaultRadiusM)
	ctx := context.Background()

	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	// Custom logger
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	// CORS middleware
	r.Use(corsMiddleware())

	// Security headers
	r.Use(securityHeaders())

	// Rate limiting
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/users/register", func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
			Role   string `json:"role" binding:"required,oneof=trainee facilitator manager"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := repo.UpsertUser(c.Request.Context(), req.UserID, req.Role); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tokens, err := auth.Issue(req.UserID, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		_ = repo.SaveRefreshToken(c.Request.Context(), req.UserID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.UserAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	// Facilitators mint a time-boxed QR token for their session.
	authGroup.POST("/sessions/:id/token",
		auth.RequireRole(attendance.RoleFacilitator, attendance.RoleManager),
		func(c *gin.Context) {
			var req struct {
				TTLSeconds int `json:"ttl_seconds"`
			}
			// Body is optional; default TTL applies.
			_ = c.ShouldBindJSON(&req)

			claims := auth.FromContext(c)
			bundle, err := issuer.Issue(c.Request.Context(), c.Param("id"), claims.UserID, time.Duration(req.TTLSeconds)*time.Second)
			if err != nil {
				if errors.Is(err, session.ErrNotFound) {
					c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
					return
				}
				log.Printf("token issue failed: %v", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
				return
			}

			attendance.TokensIssued.Inc()
			c.JSON(http.StatusCreated, gin.H{
				"token":       bundle.Token,
				"qr_payload":  bundle.QRPayload,
				"qr_png":      bundle.QRPNG, // base64 in JSON
				"access_link": bundle.AccessLink,
				"expires_at":  bundle.ExpiresAt,
			})
		})

	authGroup.POST("/checkins", func(c *gin.Context) {
		var req struct {
			UserID    string                  `json:"user_id"`
			SessionID string                  `json:"session_id" binding:"required"`
			Method    string                  `json:"method" binding:"required"`
			Token     string                  `json:"token"`
			Location  *attendance.Geolocation `json:"location"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claims := auth.FromContext(c)
		userID := claims.UserID
		// Facilitators and managers may mark someone else.
		if req.UserID != "" && (claims.Role == attendance.RoleFacilitator || claims.Role == attendance.RoleManager) {
			userID = req.UserID
		}

		res, err := att.Mark(c.Request.Context(), attendance.MarkRequest{
			UserID:    userID,
			Role:      claims.Role,
			SessionID: req.SessionID,
			Method:    req.Method,
			Token:     req.Token,
			Location:  req.Location,
		})
		if err != nil {
			writeAttendanceError(c, err)
			return
		}

		if res.Outcome == attendance.OutcomeCreated {
			if err := q.Publish(ctx, queue.Message{Type: queue.TypeRecorded, Body: []byte(res.Record.ID)}); err != nil {
				log.Printf("queue publish failed: %v", err)
			}
		}

		status := http.StatusCreated
		if res.Outcome == attendance.OutcomeAlreadyPresent {
			status = http.StatusOK
		}
		c.JSON(status, res)
	})

	authGroup.POST("/attendance/excuse",
		auth.RequireRole(attendance.RoleFacilitator, attendance.RoleManager),
		func(c *gin.Context) {
			var req struct {
				UserID    string `json:"user_id" binding:"required"`
				SessionID string `json:"session_id" binding:"required"`
				Date      string `json:"date"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}

			var day time.Time
			if req.Date != "" {
				parsed, err := time.Parse("2006-01-02", req.Date)
				if err != nil {
					c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
					return
				}
				day = parsed
			}

			claims := auth.FromContext(c)
			rec, err := att.Excuse(c.Request.Context(), attendance.ExcuseRequest{
				UserID:    req.UserID,
				SessionID: req.SessionID,
				Day:       day,
				MarkedBy:  claims.UserID,
				Role:      claims.Role,
			})
			if err != nil {
				writeAttendanceError(c, err)
				return
			}
			c.JSON(http.StatusOK, rec)
		})

	authGroup.GET("/attendance", func(c *gin.Context) {
		query := attendance.HistoryQuery{
			UserID:    c.Query("user_id"),
			ProgramID: c.Query("program_id"),
		}
		if v := c.Query("from"); v != "" {
			parsed, err := time.Parse("2006-01-02", v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "from must be YYYY-MM-DD"})
				return
			}
			query.From = parsed
		}
		if v := c.Query("to"); v != "" {
			parsed, err := time.Parse("2006-01-02", v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "to must be YYYY-MM-DD"})
				return
			}
			query.To = parsed
		}

		// Trainees only see their own history.
		claims := auth.FromContext(c)
		if claims.Role == attendance.RoleTrainee {
			query.UserID = claims.UserID
			query.ProgramID = ""
		}

		records, agg, err := att.History(c.Request.Context(), query)
		if err != nil {
			writeAttendanceError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records, "aggregate": agg})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// writeAttendanceError maps service errors onto HTTP statuses. Failure kinds
// travel to the client unchanged so UIs can branch on them.
func writeAttendanceError(c *gin.Context, err error) {
	var f *attendance.Failure
	if errors.As(err, &f) {
		attendance.CountRejection(f.Kind)
		body := gin.H{"error": f.Error(), "kind": f.Kind}
		if f.Kind == attendance.KindOutOfRange {
			body["distance_meters"] = f.DistanceMeters
		}
		c.JSON(statusForKind(f.Kind), body)
		return
	}
	if errors.Is(err, attendance.ErrInvalidRequest) || errors.Is(err, geo.ErrInvalidCoordinate) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.Printf("attendance error: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func statusForKind(kind attendance.Kind) int {
	switch kind {
	case attendance.KindSessionNotFound:
		return http.StatusNotFound
	case attendance.KindUnauthorized:
		return http.StatusForbidden
	case attendance.KindAlreadyExcused:
		return http.StatusConflict
	case attendance.KindTokenTampered, attendance.KindTokenExpired,
		attendance.KindTokenAlreadyUsed, attendance.KindSessionMismatch:
		return http.StatusUnauthorized
	default: // out of range, geofence not applicable
		return http.StatusUnprocessableEntity
	}
}

// CORS middleware for browser requests
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

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
