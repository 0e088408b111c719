package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/stockledger_backend/config"
	"bitbucket.org/mmdatafocus/stockledger_backend/models"
	"bitbucket.org/mmdatafocus/stockledger_backend/utils"
	"bitbucket.org/mmdatafocus/stockledger_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultPort = "8080"

var tracer = otel.Tracer("stockledger")

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// PubSubPushEnvelope is the push-subscription wrapper Cloud Scheduler and
// Pub/Sub deliver to /pubsub endpoints.
type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// businessIdFromRequest resolves the acting business from the request.
// Tenant authentication itself happens at the gateway in front of this
// service; by the time a request lands here the header is trusted.
func businessIdFromRequest(c *gin.Context) (string, bool) {
	businessId := strings.TrimSpace(c.GetHeader("x-business-id"))
	if businessId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "x-business-id header is required"})
		return "", false
	}
	return businessId, true
}

func requestContext(c *gin.Context, businessId string) context.Context {
	ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
	if v := strings.TrimSpace(c.GetHeader("x-user-id")); v != "" {
		if userId, err := strconv.Atoi(v); err == nil {
			ctx = utils.SetUserIdInContext(ctx, userId)
		}
	}
	if v := strings.TrimSpace(c.GetHeader("x-user-name")); v != "" {
		ctx = utils.SetUserNameInContext(ctx, v)
	}
	if v := strings.TrimSpace(c.GetHeader("x-device-id")); v != "" {
		ctx = utils.SetClientDeviceIdInContext(ctx, v)
	}
	return ctx
}

func statusForError(err error) int {
	switch models.ErrorKind(err) {
	case "validation":
		return http.StatusBadRequest
	case "insufficient_stock":
		return http.StatusConflict
	case "storage_failure":
		return http.StatusServiceUnavailable
	default:
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return http.StatusNotFound
		}
		return http.StatusInternalServerError
	}
}

func executeOperationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := businessIdFromRequest(c)
		if !ok {
			return
		}
		var op workflow.Operation
		if err := c.ShouldBindJSON(&op); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx, span := tracer.Start(requestContext(c, businessId), "ExecuteOperation",
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		result, err := workflow.ExecuteOperation(ctx, businessId, &op)
		if err != nil {
			resp := gin.H{
				"error":      err.Error(),
				"error_kind": models.ErrorKind(err),
			}
			if result != nil {
				resp["operation_id"] = result.OperationId
				resp["state"] = result.State
			}
			c.JSON(statusForError(err), resp)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func syncBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := businessIdFromRequest(c)
		if !ok {
			return
		}
		var batch workflow.SyncBatch
		if err := c.ShouldBindJSON(&batch); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx, span := tracer.Start(requestContext(c, businessId), "SubmitSyncBatch",
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		results, err := workflow.SubmitSyncBatch(ctx, businessId, &batch)
		if err != nil {
			c.JSON(statusForError(err), gin.H{
				"error":      err.Error(),
				"error_kind": models.ErrorKind(err),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": results})
	}
}

func stockSummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := businessIdFromRequest(c)
		if !ok {
			return
		}
		productId, err := strconv.Atoi(c.Param("productId"))
		if err != nil || productId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
			return
		}

		summary, err := models.ReadStockSummary(requestContext(c, businessId), businessId, productId)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func productHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := businessIdFromRequest(c)
		if !ok {
			return
		}
		productId, err := strconv.Atoi(c.Param("productId"))
		if err != nil || productId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
			return
		}

		product, err := models.GetProduct(requestContext(c, businessId), businessId, productId)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, product)
	}
}

func lowStockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := businessIdFromRequest(c)
		if !ok {
			return
		}
		summaries, err := models.StockSummariesBelowReorder(requestContext(c, businessId), businessId)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"summaries": summaries})
	}
}

func ledgerEntriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := businessIdFromRequest(c)
		if !ok {
			return
		}
		productId, err := strconv.Atoi(c.Param("productId"))
		if err != nil || productId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
			return
		}

		var from, to *time.Time
		if v := c.Query("from"); v != "" {
			t, perr := time.Parse(time.RFC3339, v)
			if perr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp"})
				return
			}
			from = &t
		}
		if v := c.Query("to"); v != "" {
			t, perr := time.Parse(time.RFC3339, v)
			if perr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp"})
				return
			}
			to = &t
		}

		entries, err := models.LedgerEntriesFor(requestContext(c, businessId), businessId, productId, from, to)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}

func auditRecordsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := businessIdFromRequest(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		records, err := models.AuditRecordsFor(requestContext(c, businessId), businessId, limit)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	}
}

type rebuildRequest struct {
	BusinessId string `json:"business_id"`
	ProductId  int    `json:"product_id"`
}

func rebuildHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req rebuildRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.BusinessId == "" || req.ProductId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "business_id and product_id are required"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), req.BusinessId)
		summary, drift, err := workflow.RebuildStockSummaryForProduct(ctx, req.BusinessId, req.ProductId)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"summary": summary,
			"drift":   drift,
		})
	}
}

// reconcilePubSubHandler runs the nightly reconciliation sweep when Cloud
// Scheduler fires via a Pub/Sub push subscription. An empty business_id in
// the payload means all businesses.
func reconcilePubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "reconcilePubSubHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		// byte slice unmarshalling handles base64 decoding.
		if err := utils.UnmarshalFromJSON(body, &envelope); err != nil {
			config.LogError(logger, "server.go", "reconcilePubSubHandler", "Unmarshal body", body, err)
			c.Status(http.StatusNoContent)
			return
		}

		var payload struct {
			BusinessId string `json:"business_id"`
		}
		if len(envelope.Message.Data) > 0 {
			if err := utils.UnmarshalFromJSON(envelope.Message.Data, &payload); err != nil {
				config.LogError(logger, "server.go", "reconcilePubSubHandler", "Unmarshal payload", envelope.Message.Data, err)
				c.Status(http.StatusNoContent)
				return
			}
		}

		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), envelope.Message.ID)
		if payload.BusinessId != "" {
			if _, err := workflow.ReconcileBusinessSummaries(ctx, payload.BusinessId); err != nil {
				// Non-2xx tells Pub/Sub to retry.
				c.Status(http.StatusInternalServerError)
				return
			}
		} else {
			if _, err := workflow.ReconcileAllBusinesses(ctx); err != nil {
				c.Status(http.StatusInternalServerError)
				return
			}
		}
		c.Status(http.StatusNoContent)
	}
}

type outboxReplayRequest struct {
	BusinessId string `json:"business_id"`
	EventId    int    `json:"event_id"`
}

// outboxReplayHandler re-queues a DEAD/FAILED outbox event for publishing.
func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.BusinessId == "" || req.EventId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "business_id and event_id are required"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		now := time.Now().UTC()
		if err := db.WithContext(c.Request.Context()).
			Model(&models.OutboxEvent{}).
			Where("id = ? AND business_id = ?", req.EventId, req.BusinessId).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusFailed,
				"next_attempt_at":    &now,
				"locked_at":          nil,
				"locked_by":          nil,
				"last_publish_error": nil,
			}).Error; err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"business_id":     req.BusinessId,
			"event_id":        req.EventId,
			"publish_status":  models.OutboxPublishStatusFailed,
			"next_attempt_at": now.Format(time.RFC3339Nano),
		})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/readyz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "x-business-id", "x-device-id", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/v1/operations", executeOperationHandler())
	r.POST("/v1/sync/batch", syncBatchHandler())
	r.GET("/v1/stock-summaries/low-stock", lowStockHandler())
	r.GET("/v1/stock-summaries/:productId", stockSummaryHandler())
	r.GET("/v1/products/:productId", productHandler())
	r.GET("/v1/ledger-entries/:productId", ledgerEntriesHandler())
	r.GET("/v1/audit-records", auditRecordsHandler())
	// Scheduled jobs arrive via Pub/Sub push.
	r.POST("/pubsub/reconcile", reconcilePubSubHandler())
	// Ops tooling: force a rebuild, replay outbox events that were marked DEAD/FAILED.
	r.POST("/internal/ops/summary/rebuild", rebuildHandler())
	r.POST("/internal/ops/outbox/replay", outboxReplayHandler())
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP()

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
