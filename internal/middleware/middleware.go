package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"consult-service/internal/service"
	"consult-service/pkg/logger"
	"consult-service/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

const idempotencyHeader = "Idempotency-Key"

// CORS CORS中间件
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 支持前端开发环境
		origin := c.Request.Header.Get("Origin")
		allowedOrigins := []string{
			"http://localhost:3000",
			"http://localhost:5173",
			"http://localhost:8080",
		}

		allowOrigin := "*"
		for _, allowed := range allowedOrigins {
			if origin == allowed {
				allowOrigin = origin
				break
			}
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", allowOrigin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, Idempotency-Key, X-Request-ID")
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")
		h.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Trace-ID, Idempotent-Replayed")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security 安全响应头
func Security() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

		c.Next()
	}
}

// Metrics 记录HTTP请求指标
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Context(), c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// RateLimit 固定窗口限流（每秒 limit 次），按用户计数，未认证时按IP。
// redis 不可用时放行。
func RateLimit(redisClient *redis.Client, limit int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if redisClient == nil || limit <= 0 {
			c.Next()
			return
		}

		subject := c.GetString("userID")
		if subject == "" {
			subject = "ip:" + c.ClientIP()
		}
		key := fmt.Sprintf("rate_limit:%s:%d", subject, time.Now().Unix())
		ctx := c.Request.Context()

		pipe := redisClient.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, 2*time.Second)
		if _, err := pipe.Exec(ctx); err != nil {
			logger.GetLogger().WithError(err).WithField("request_id", c.GetString("request_id")).Warn("限流服务异常，放行请求")
			c.Next()
			return
		}

		if incr.Val() > int64(limit) {
			c.Header("Retry-After", "1")
			abortJSON(c, http.StatusTooManyRequests, 1005, "Too many requests", "rate limit exceeded")
			return
		}

		c.Next()
	}
}

// storedResponse 幂等键对应的首次响应
type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

const idempotencyInFlight = "in_flight"

type bodyCaptureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyCaptureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyCaptureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency 幂等性中间件：同一用户同一 Idempotency-Key 的写请求只执行一次，
// 成功响应在 ttl 内原样重放，处理中的重复请求返回 409。
func Idempotency(redisClient *redis.Client, ttl time.Duration) gin.HandlerFunc {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return func(c *gin.Context) {
		if redisClient == nil || (c.Request.Method != http.MethodPost && c.Request.Method != http.MethodPut) {
			c.Next()
			return
		}
		idempotencyKey := c.GetHeader(idempotencyHeader)
		if idempotencyKey == "" {
			c.Next()
			return
		}

		key := fmt.Sprintf("idempotency:%s:%s:%s", c.GetString("userID"), c.Request.URL.Path, idempotencyKey)
		ctx := c.Request.Context()

		acquired, err := redisClient.SetNX(ctx, key, idempotencyInFlight, ttl).Result()
		if err != nil {
			abortJSON(c, http.StatusServiceUnavailable, 5003, "Service temporarily unavailable", "idempotency check failed")
			return
		}
		if !acquired {
			replayStored(c, redisClient, key)
			return
		}

		w := &bodyCaptureWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		// 请求取消后仍需落盘或释放幂等键
		saveCtx := context.WithoutCancel(ctx)
		status := w.Status()
		if status < 200 || status >= 300 {
			redisClient.Del(saveCtx, key)
			return
		}
		data, err := json.Marshal(storedResponse{
			Status:      status,
			ContentType: w.Header().Get("Content-Type"),
			Body:        w.body.Bytes(),
		})
		if err == nil {
			err = redisClient.Set(saveCtx, key, data, ttl).Err()
		}
		if err != nil {
			logger.GetLogger().WithError(err).WithField("request_id", c.GetString("request_id")).Warn("幂等结果保存失败")
			redisClient.Del(saveCtx, key)
		}
	}
}

func replayStored(c *gin.Context, redisClient *redis.Client, key string) {
	raw, err := redisClient.Get(c.Request.Context(), key).Result()
	if err != nil && err != redis.Nil {
		abortJSON(c, http.StatusServiceUnavailable, 5003, "Service temporarily unavailable", "idempotency check failed")
		return
	}
	if err == redis.Nil || raw == idempotencyInFlight {
		abortJSON(c, http.StatusConflict, 2007, "Resource conflict", "request with this Idempotency-Key is still in progress")
		return
	}
	var stored storedResponse
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		abortJSON(c, http.StatusConflict, 2007, "Resource conflict", "request with this Idempotency-Key is still in progress")
		return
	}
	contentType := stored.ContentType
	if contentType == "" {
		contentType = "application/json; charset=utf-8"
	}
	c.Header("Idempotent-Replayed", "true")
	c.Data(stored.Status, contentType, stored.Body)
	c.Abort()
}

// InjectRequestContext 将用户、请求ID和操作者类型注入 request context，
// service 层的审计与日志从这里取值。必须挂在 JWTAuth 之后。
func InjectRequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if uid := c.GetString("userID"); uid != "" {
			ctx = context.WithValue(ctx, "user_id", uid)
			ctx = context.WithValue(ctx, "actor_type", actorType(c))
		}
		if rid := c.GetString("request_id"); rid != "" {
			ctx = context.WithValue(ctx, "request_id", rid)
		}
		ctx = context.WithValue(ctx, "client_ip", c.ClientIP())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func actorType(c *gin.Context) string {
	switch {
	case c.GetBool("isPlatformAdmin"):
		return service.ActorAdmin
	case c.GetString("consultantID") != "":
		return service.ActorConsultant
	default:
		return service.ActorUser
	}
}
