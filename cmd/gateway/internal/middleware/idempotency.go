package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/auth"
)

// IdempotencyMiddleware makes POSTs carrying an Idempotency-Key header safe
// to retry. The first request reserves the key with SETNX and caches its
// response; retries replay the cached response, and a retry racing the
// original gets 409 instead of executing twice. Redis failures fail open.
type IdempotencyMiddleware struct {
	redis  *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewIdempotencyMiddleware creates a new idempotency middleware.
func NewIdempotencyMiddleware(rdb *redis.Client, logger *zap.Logger) *IdempotencyMiddleware {
	return &IdempotencyMiddleware{
		redis:  rdb,
		logger: logger,
		ttl:    24 * time.Hour,
	}
}

// IdempotencyResult stores the cached result of an idempotent request.
type IdempotencyResult struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
	Timestamp  time.Time           `json:"timestamp"`
}

// responseRecorder captures the response for caching.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
	written    bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
	}
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.written {
		r.statusCode = code
		r.written = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Middleware returns the HTTP middleware function.
func (im *IdempotencyMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		idempotencyKey := r.Header.Get("Idempotency-Key")
		if idempotencyKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		cacheKey := im.generateCacheKey(r, idempotencyKey)

		// An empty value reserves the key while the first request runs;
		// a completed request overwrites it with the marshaled result.
		reserved, err := im.redis.SetNX(ctx, cacheKey, "", im.ttl).Result()
		if err != nil {
			im.logger.Error("Idempotency reservation failed", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		if !reserved {
			cached, err := im.getCachedResult(ctx, cacheKey)
			if err != nil {
				// A vanished reservation means the ttl lapsed; run normally.
				if !errors.Is(err, redis.Nil) {
					im.logger.Error("Idempotency lookup failed", zap.Error(err))
				}
				next.ServeHTTP(w, r)
				return
			}
			if cached == nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusConflict)
				fmt.Fprintf(w, `{"error":"request with this idempotency key is still in flight"}`)
				return
			}

			im.logger.Debug("Returning cached idempotent response",
				zap.String("idempotency_key", idempotencyKey),
				zap.String("path", r.URL.Path),
			)
			for key, values := range cached.Headers {
				for _, value := range values {
					w.Header().Add(key, value)
				}
			}
			w.Header().Set("X-Idempotency-Cached", "true")
			w.Header().Set("X-Idempotency-Key", idempotencyKey)
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}

		recorder := newResponseRecorder(w)
		next.ServeHTTP(recorder, r)

		// Cache only success. Failures release the reservation so the
		// client can retry with the same key.
		if recorder.statusCode >= 200 && recorder.statusCode < 300 {
			result := &IdempotencyResult{
				StatusCode: recorder.statusCode,
				Headers:    recorder.Header(),
				Body:       recorder.body.Bytes(),
				Timestamp:  time.Now(),
			}
			if err := im.cacheResult(ctx, cacheKey, result); err != nil {
				im.logger.Error("Failed to cache idempotent response",
					zap.Error(err),
					zap.String("idempotency_key", idempotencyKey),
				)
			}
		} else {
			if err := im.redis.Del(ctx, cacheKey).Err(); err != nil {
				im.logger.Error("Failed to release idempotency key",
					zap.Error(err),
					zap.String("idempotency_key", idempotencyKey),
				)
			}
		}
	})
}

// generateCacheKey hashes the key with the caller, path and body so the
// same header value cannot collide across users or requests.
func (im *IdempotencyMiddleware) generateCacheKey(r *http.Request, idempotencyKey string) string {
	userID := ""
	if userCtx, err := auth.GetUserContext(r.Context()); err == nil {
		userID = userCtx.UserID.String()
	}

	h := sha256.New()
	h.Write([]byte(idempotencyKey))
	h.Write([]byte(userID))
	h.Write([]byte(r.URL.Path))

	if r.Body != nil {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		h.Write(body)
	}

	hash := hex.EncodeToString(h.Sum(nil))
	return fmt.Sprintf("idempotency:%s", hash[:16])
}

// getCachedResult returns the stored response, or nil while the original
// request is still in flight.
func (im *IdempotencyMiddleware) getCachedResult(ctx context.Context, key string) (*IdempotencyResult, error) {
	data, err := im.redis.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var result IdempotencyResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (im *IdempotencyMiddleware) cacheResult(ctx context.Context, key string, result *IdempotencyResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return im.redis.Set(ctx, key, data, im.ttl).Err()
}
