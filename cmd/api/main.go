package main

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sakato/internal/attendance"
	"sakato/internal/auth"
	"sakato/internal/cloudinary"
	"sakato/internal/config"
	"sakato/internal/httpmiddleware"
	"sakato/internal/queue"
	"sakato/internal/store"
	"sakato/internal/token"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx := context.Background()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	repo := attendance.NewRepository(db.Client)

	var qstore queue.Store
	if cfg.QueueBackend == "memory" {
		qstore = queue.NewMemoryStore()
	} else {
		qstore = queue.NewRedisStore(redisClient.Client, "")
	}
	q := queue.New(qstore, repo, queue.Options{
		BaseDelay:   cfg.QueueBaseDelay,
		MaxAttempts: cfg.QueueMaxAttempts,
	})

	// Cloudinary client (nil when not configured; proofs stay hash-only)
	var blobs attendance.BlobStore
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		blobs = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("Cloudinary not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	svc := attendance.NewService(repo, repo, blobs, q, attendance.Options{
		LocationPollInterval: cfg.LocationPollInterval,
		LocationMaxPolls:     cfg.LocationMaxPolls,
	})

	// Records queued by a previous run get a delivery attempt right
	// away instead of waiting for the worker tick.
	go func() {
		report, err := q.Drain(ctx)
		if err != nil {
			log.Printf("startup drain failed: %v", err)
			return
		}
		if report.Succeeded+report.Discarded > 0 {
			log.Printf("startup drain: %d delivered, %d duplicates discarded", report.Succeeded, report.Discarded)
		}
	}()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	limiter := httpmiddleware.NewRateLimiter(cfg.RateLimitPerMin)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !dbHealthy || (cfg.QueueBackend != "memory" && !redisHealthy) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/devices/register", limiter.Gin(), func(c *gin.Context) {
		var req struct {
			UserID      string `json:"user_id" binding:"required"`
			Fingerprint string `json:"fingerprint" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := repo.BindDevice(c.Request.Context(), req.UserID, req.Fingerprint); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tokens, err := auth.Issue(req.UserID, req.Fingerprint, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.Middleware(cfg.JWTSigningKey, cfg.JWTIssuer), limiter.Gin())

	authGroup.GET("/events", func(c *gin.Context) {
		events, err := repo.ListActiveEvents(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	})

	// Display side of the rotating QR: venue screens poll this and
	// render the current payload.
	authGroup.GET("/events/:id/token", func(c *gin.Context) {
		eventID := c.Param("id")
		evt, err := repo.GetEvent(c.Request.Context(), eventID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if evt == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown event"})
			return
		}
		if !evt.QREnabled && evt.Mode == attendance.ModeGPS {
			c.JSON(http.StatusConflict, gin.H{"error": "event does not use QR verification"})
			return
		}
		now := time.Now().Unix()
		c.JSON(http.StatusOK, gin.H{
			"token":      token.Generate(eventID, now),
			"rotates_in": token.BucketSeconds - now%token.BucketSeconds,
		})
	})

	authGroup.POST("/checkins", func(c *gin.Context) {
		claims, _ := auth.FromContext(c)

		in, err := parseCheckIn(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		in.UserID = claims.UserID
		in.DeviceFingerprint = claims.Fingerprint

		rec, err := svc.CheckIn(c.Request.Context(), in)
		if err != nil {
			writeCheckInError(c, err)
			return
		}

		status := http.StatusCreated
		if !rec.Synced {
			// Held by the submission queue; success for the caller.
			status = http.StatusAccepted
		}
		c.JSON(status, gin.H{"record": rec})
	})

	authGroup.GET("/checkins", func(c *gin.Context) {
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
		records, err := repo.ListRecords(c.Request.Context(), c.Query("user_id"), c.Query("event_id"), limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	authGroup.GET("/queue", func(c *gin.Context) {
		entries, err := q.Pending(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"pending": entries})
	})

	// Manual drain trigger, the HTTP analogue of connectivity-regained.
	authGroup.POST("/queue/drain", func(c *gin.Context) {
		report, err := q.Drain(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"delivered":     report.Succeeded,
			"duplicates":    report.Discarded,
			"still_pending": report.StillPending,
			"failed":        len(report.Failed),
		})
	})

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// parseCheckIn accepts either a multipart form with a "photo" file or
// a JSON body with the photo base64-encoded.
func parseCheckIn(c *gin.Context) (attendance.CheckInInput, error) {
	var in attendance.CheckInInput

	if strings.Contains(c.ContentType(), "multipart/form-data") {
		in.EventID = c.PostForm("event_id")
		in.UserName = c.PostForm("user_name")
		in.ScannedToken = c.PostForm("token")
		in.Note = c.PostForm("note")
		in.Location = formLocation(c)

		file, _, err := c.Request.FormFile("photo")
		if err == nil {
			defer file.Close()
			data, rerr := io.ReadAll(file)
			if rerr != nil {
				return in, errors.New("read photo failed")
			}
			in.RawPhoto = data
		}
		return in, nil
	}

	var body struct {
		EventID  string `json:"event_id" binding:"required"`
		UserName string `json:"user_name"`
		Token    string `json:"token"`
		Note     string `json:"note"`
		Location *struct {
			Lat      float64 `json:"lat"`
			Lng      float64 `json:"lng"`
			Accuracy float64 `json:"accuracy_meters"`
		} `json:"location"`
		Photo string `json:"photo_base64"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		return in, err
	}
	in.EventID = body.EventID
	in.UserName = body.UserName
	in.ScannedToken = body.Token
	in.Note = body.Note
	if body.Location != nil {
		in.Location = attendance.StaticLocation(&attendance.Coordinates{
			Lat:            body.Location.Lat,
			Lng:            body.Location.Lng,
			AccuracyMeters: body.Location.Accuracy,
		})
	}
	if body.Photo != "" {
		raw := body.Photo
		if idx := strings.Index(raw, ";base64,"); idx >= 0 {
			raw = raw[idx+len(";base64,"):]
		}
		data, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return in, errors.New("photo_base64 is not valid base64")
		}
		in.RawPhoto = data
	}
	return in, nil
}

func formLocation(c *gin.Context) attendance.LocationSource {
	latStr, lngStr := c.PostForm("lat"), c.PostForm("lng")
	if latStr == "" || lngStr == "" {
		return nil
	}
	lat, err1 := strconv.ParseFloat(latStr, 64)
	lng, err2 := strconv.ParseFloat(lngStr, 64)
	if err1 != nil || err2 != nil {
		return nil
	}
	coords := &attendance.Coordinates{Lat: lat, Lng: lng}
	if acc, err := strconv.ParseFloat(c.PostForm("accuracy_meters"), 64); err == nil {
		coords.AccuracyMeters = acc
	}
	return attendance.StaticLocation(coords)
}

// writeCheckInError maps the orchestrator's error taxonomy to HTTP.
func writeCheckInError(c *gin.Context, err error) {
	var vErr *attendance.ValidationError
	var fErr *attendance.FatalError
	switch {
	case errors.Is(err, attendance.ErrDuplicate):
		// Already recorded is what the caller wanted.
		c.JSON(http.StatusOK, gin.H{"status": "already_recorded"})
	case errors.As(err, &vErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":        vErr.Reason,
			"resume_stage": string(vErr.Stage),
		})
	case attendance.IsTransient(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, retry shortly"})
	case errors.As(err, &fErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": fErr.Reason})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
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

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
