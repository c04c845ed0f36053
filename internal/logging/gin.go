package logging

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const skipGinLogKey = "__gin_skip_request_logging__"

// GinLogrusLogger returns a gin middleware that logs every request the
// callback listener serves through logrus: method, path, status, latency,
// client IP, and the account the request was routed to. Adapted from the
// teacher's GinLogrusLogger, with the AI-API request-id gating and
// model/provider extraction removed — every callback request gets a
// correlation id, since there is no high-volume hot path to spare here.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		requestID := NewRequestID()
		c.Set("request_id", requestID)
		ctx := WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if shouldSkipGinRequestLogging(c) {
			return
		}

		latency := time.Since(start).Truncate(time.Millisecond)
		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		method := c.Request.Method
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		account := c.Param("account")
		logLine := fmt.Sprintf("%3d | %10v | %15s | %-4s %s | account=%s", statusCode, latency, clientIP, method, path, account)
		if errorMessage != "" {
			logLine += " | " + errorMessage
		}

		entry := log.WithField("request_id", requestID).WithField("account", account)
		switch {
		case statusCode >= http.StatusInternalServerError:
			entry.Error(logLine)
		case statusCode >= http.StatusBadRequest:
			entry.Warn(logLine)
		default:
			entry.Info(logLine)
		}
	}
}

// GinLogrusRecovery recovers from panics in the callback listener and logs
// them through logrus instead of gin's default stdout writer.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		if err, ok := recovered.(error); ok && errors.Is(err, http.ErrAbortHandler) {
			panic(http.ErrAbortHandler)
		}

		log.WithFields(log.Fields{
			"panic": recovered,
			"stack": string(debug.Stack()),
			"path":  c.Request.URL.Path,
		}).Error("callback listener: recovered from panic")

		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

// SkipGinRequestLogging marks c so GinLogrusLogger won't emit a log line
// for it (used for the rare request that shouldn't show up at all, e.g. a
// health probe).
func SkipGinRequestLogging(c *gin.Context) {
	if c == nil {
		return
	}
	c.Set(skipGinLogKey, true)
}

func shouldSkipGinRequestLogging(c *gin.Context) bool {
	if c == nil {
		return false
	}
	val, exists := c.Get(skipGinLogKey)
	if !exists {
		return false
	}
	flag, ok := val.(bool)
	return ok && flag
}
