package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"library/internal/auth"
	"library/internal/circulation"
	"library/internal/config"
	"library/internal/directory"
	"library/internal/httpmiddleware"
	"library/internal/policy"
	"library/internal/queue"
	"library/internal/store"
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
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "library:events")
	}

	dir := directory.NewRepository(db.Client)
	ledger := circulation.NewRepository(db.Client)
	policies := policy.NewStore(db.Client)
	engine := circulation.NewService(ledger, dir, policies)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/auth/signup", func(c *gin.Context) {
		var req struct {
			Name   string `json:"name" binding:"required"`
			RollNo string `json:"roll_no" binding:"required"`
			Email  string `json:"email" binding:"required,email"`
			Pass   string `json:"password" binding:"required,min=6"`
			Secret string `json:"admin_secret" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if cfg.SignupSecret == "" || req.Secret != cfg.SignupSecret {
			c.JSON(http.StatusForbidden, gin.H{"error": "registration is restricted"})
			return
		}
		hash, err := auth.HashPassword(req.Pass)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "signup failed"})
			return
		}
		user, err := dir.CreateUser(c.Request.Context(), directory.User{
			RollNo:       req.RollNo,
			Name:         req.Name,
			Email:        req.Email,
			Role:         directory.RoleAdmin,
			PasswordHash: hash,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user already exists"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": user.ID, "email": user.Email})
	})

	r.POST("/v1/auth/login", func(c *gin.Context) {
		var req struct {
			Email string `json:"email" binding:"required"`
			Pass  string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user, err := dir.UserByEmail(c.Request.Context(), req.Email)
		if err != nil {
			internalError(c, err)
			return
		}
		if user == nil || !auth.CheckPassword(user.PasswordHash, req.Pass) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		if !user.Active {
			c.JSON(http.StatusForbidden, gin.H{"error": "account disabled"})
			return
		}
		tokens, err := auth.Issue(user.ID, user.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
			"user":          gin.H{"name": user.Name, "email": user.Email, "role": user.Role},
		})
	})

	authGroup := r.Group("/v1", auth.StaffAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.POST("/loans", func(c *gin.Context) {
		var req struct {
			BookRef    string `json:"book_ref" binding:"required"`
			RollNo     string `json:"roll_no" binding:"required"`
			BorrowDate string `json:"borrow_date"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		borrow := circulation.BorrowRequest{
			BookRef:  req.BookRef,
			RollNo:   req.RollNo,
			IssuedBy: auth.Subject(c),
		}
		if req.BorrowDate != "" {
			ts, err := time.Parse(time.RFC3339, req.BorrowDate)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "borrow_date must be RFC 3339"})
				return
			}
			borrow.BorrowDate = &ts
		}
		loan, err := engine.Borrow(c.Request.Context(), borrow)
		if err != nil {
			circulationError(c, err)
			return
		}
		publish(ctx, q, queue.TypeLoanOpened, loan)
		c.JSON(http.StatusCreated, gin.H{"success": true, "loan": loan})
	})

	authGroup.POST("/loans/:id/return", func(c *gin.Context) {
		var req struct {
			AmountCollected *int64 `json:"amount_collected" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "amount_collected is required"})
			return
		}
		receipt, err := engine.Return(c.Request.Context(), c.Param("id"), auth.Subject(c), *req.AmountCollected)
		if err != nil {
			circulationError(c, err)
			return
		}
		publish(ctx, q, queue.TypeLoanReturned, receipt)
		c.JSON(http.StatusOK, gin.H{"success": true, "receipt": receipt})
	})

	authGroup.GET("/loans/:id/fine", func(c *gin.Context) {
		fine, err := engine.PreviewFine(c.Request.Context(), c.Param("id"))
		if err != nil {
			circulationError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"loan_id": c.Param("id"), "fine": fine})
	})

	authGroup.GET("/loans", func(c *gin.Context) {
		filter := circulation.HistoryFilter{
			Status: c.Query("status"),
			Limit:  queryInt(c, "limit", 20),
			Offset: queryInt(c, "offset", 0),
		}
		if roll := c.Query("roll_no"); roll != "" {
			student, err := dir.UserByRollNo(c.Request.Context(), roll)
			if err != nil {
				internalError(c, err)
				return
			}
			if student == nil {
				c.JSON(http.StatusOK, gin.H{"histories": []circulation.HistoryEntry{}})
				return
			}
			filter.StudentID = student.ID
		}
		if ref := c.Query("ref_no"); ref != "" {
			book, err := dir.BookByRef(c.Request.Context(), ref)
			if err != nil {
				internalError(c, err)
				return
			}
			if book == nil {
				c.JSON(http.StatusOK, gin.H{"histories": []circulation.HistoryEntry{}})
				return
			}
			filter.BookID = book.ID
		}
		if v := c.Query("fined"); v != "" {
			fined := v == "true"
			filter.Fined = &fined
		}
		entries, err := ledger.List(c.Request.Context(), filter)
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"histories": entries})
	})

	authGroup.GET("/loans/stats", func(c *gin.Context) {
		stats, err := ledger.LedgerStats(c.Request.Context())
		if err != nil {
			internalError(c, err)
			return
		}
		students, err := dir.CountStudents(c.Request.Context())
		if err != nil {
			internalError(c, err)
			return
		}
		books, err := dir.CountBooks(c.Request.Context())
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"total":           stats.Total,
			"returned":        stats.Returned,
			"active":          stats.Active,
			"fines_collected": stats.FinesCollected,
			"total_students":  students,
			"total_books":     books,
		})
	})

	authGroup.GET("/books/:ref/status", func(c *gin.Context) {
		status, err := engine.Status(c.Request.Context(), c.Param("ref"))
		if err != nil {
			circulationError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	authGroup.GET("/books", func(c *gin.Context) {
		books, err := dir.ListBooks(c.Request.Context(), c.Query("q"), queryInt(c, "limit", 20), queryInt(c, "offset", 0))
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"books": books})
	})

	authGroup.POST("/books", auth.RequireAdmin(), func(c *gin.Context) {
		var b directory.Book
		if err := c.ShouldBindJSON(&b); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		created, err := dir.CreateBook(c.Request.Context(), b)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, created)
	})

	authGroup.GET("/students", func(c *gin.Context) {
		users, err := dir.ListUsers(c.Request.Context(), c.Query("q"), queryInt(c, "limit", 20), queryInt(c, "offset", 0))
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"students": users})
	})

	authGroup.POST("/students", auth.RequireAdmin(), func(c *gin.Context) {
		var u directory.User
		if err := c.ShouldBindJSON(&u); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		u.Role = directory.RoleStudent
		created, err := dir.CreateUser(c.Request.Context(), u)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, created)
	})

	authGroup.GET("/settings", func(c *gin.Context) {
		cfgNow, err := policies.Get(c.Request.Context())
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, cfgNow)
	})

	authGroup.PUT("/settings", auth.RequireAdmin(), func(c *gin.Context) {
		var s policy.Settings
		if err := c.ShouldBindJSON(&s); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := policies.Update(c.Request.Context(), s); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "settings updated"})
	})

	authGroup.POST("/sweep", auth.RequireAdmin(), func(c *gin.Context) {
		updated, err := engine.RefreshOverdueFines(c.Request.Context(), time.Now().UTC())
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": updated})
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

// circulationError maps engine errors to HTTP statuses. Storage errors
// are logged and reported generically.
func circulationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, circulation.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, circulation.ErrBookNotFound),
		errors.Is(err, circulation.ErrStudentNotFound),
		errors.Is(err, circulation.ErrLoanNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, circulation.ErrBookUnavailable),
		errors.Is(err, circulation.ErrBorrowLimit),
		errors.Is(err, circulation.ErrAlreadyReturned):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		internalError(c, err)
	}
}

func internalError(c *gin.Context, err error) {
	log.Printf("internal error: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func publish(ctx context.Context, q queue.Queue, msgType string, payload any) {
	msg, err := queue.NewMessage(msgType, payload)
	if err != nil {
		log.Printf("queue encode failed: %v", err)
		return
	}
	if err := q.Publish(ctx, msg); err != nil {
		log.Printf("queue publish failed: %v", err)
	}
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
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
