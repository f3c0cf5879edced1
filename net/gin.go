package net

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/op/go-logging"

	"github.com/sooomo/udplog"
)

var log = logging.MustGetLogger("net")

const (
	HeaderRequestId = "X-Request-Id"

	ctxKeyRequestId    = "request_id"
	ctxKeyPayloadError = "payload_error"
)

const ErrRateLimited = udplog.ErrorPrefix + " Rate Limited"

// ginRequest looks p up in the form body first, then in the query string.
// A repeated key resolves to its last value.
type ginRequest struct {
	c *gin.Context
}

func (r ginRequest) Param(name string) (string, bool) {
	if vs, ok := r.c.GetPostFormArray(name); ok && len(vs) > 0 {
		return vs[len(vs)-1], true
	}
	if vs, ok := r.c.GetQueryArray(name); ok && len(vs) > 0 {
		return vs[len(vs)-1], true
	}
	return "", false
}

// PayloadHandler answers hex payload requests. Every outcome is a 200 with
// a text body; errors are reported in the body.
func PayloadHandler(clock udplog.Clock) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := udplog.Handle(ginRequest{c}, clock)
		if resp.Err != nil {
			c.Set(ctxKeyPayloadError, resp.Err)
		}
		c.Data(http.StatusOK, udplog.ContentType, []byte(resp.Body))
	}
}

func HealthHandler(c *gin.Context) {
	c.Data(http.StatusOK, udplog.ContentType, []byte("ok"))
}

// RequestIdMiddleware keeps an incoming X-Request-Id or generates one, and
// echoes it on the response.
func RequestIdMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqId := c.GetHeader(HeaderRequestId)
		if reqId == "" {
			reqId = uuid.NewString()
		}
		c.Set(ctxKeyRequestId, reqId)
		c.Header(HeaderRequestId, reqId)
		c.Next()
	}
}

func AccessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		dur := time.Since(start)
		reqId := c.GetString(ctxKeyRequestId)
		if v, ok := c.Get(ctxKeyPayloadError); ok {
			log.Noticef("%s %s %d %dms id=%s client=%s: %v", c.Request.Method, c.Request.URL.Path,
				c.Writer.Status(), dur.Milliseconds(), reqId, c.ClientIP(), v)
			return
		}
		log.Infof("%s %s %d %dms id=%s client=%s", c.Request.Method, c.Request.URL.Path,
			c.Writer.Status(), dur.Milliseconds(), reqId, c.ClientIP())
	}
}

// RateLimitMiddleware limits requests per client ip. A nil limiter lets
// everything through.
func RateLimitMiddleware(limiter *udplog.KeyedLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			c.Data(http.StatusTooManyRequests, udplog.ContentType, []byte(ErrRateLimited))
			c.Abort()
			return
		}
		c.Next()
	}
}

type RouterOptions struct {
	Clock     udplog.Clock
	RateLimit float64
	RateBurst int
}

// NewRouter mounts the payload handler on "/" and "/payload" for every
// method, plus GET /healthz.
func NewRouter(opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestIdMiddleware(), AccessLogMiddleware())
	if limiter := udplog.NewKeyedLimiter(opts.RateLimit, opts.RateBurst); limiter != nil {
		r.Use(RateLimitMiddleware(limiter))
	}

	payload := PayloadHandler(opts.Clock)
	r.Any("/", payload)
	r.Any("/payload", payload)
	r.GET("/healthz", HealthHandler)
	return r
}
