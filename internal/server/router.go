package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hookgate/internal/config"
	"hookgate/internal/dedup"
	"hookgate/internal/forward"
	"hookgate/internal/idempotency"
	"hookgate/internal/log"
	"hookgate/internal/metrics"
	"hookgate/internal/queue"
	"hookgate/internal/signature"
	"hookgate/internal/store"
	"hookgate/internal/worker"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// AdminStore is the slice of the durable store the HTTP surface needs
// directly: liveness and dead-letter inspection.
type AdminStore interface {
	Ping(ctx context.Context) error
	DeadLetters(ctx context.Context, queue string, limit int) ([]store.DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id int64) error
}

// Pinger reports backend liveness. A nil Pinger skips that check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WorkerHealth exposes per-queue worker snapshots for /health.
type WorkerHealth interface {
	Health() []worker.Health
}

func SetupRouter(r *chi.Mux, cfg *config.Config, admin AdminStore, redis Pinger, verifier *signature.Verifier, deduper *dedup.Deduplicator, producer *queue.Producer, idem *idempotency.Middleware, forwarder *forward.Forwarder, workers WorkerHealth, m *metrics.GatewayMetrics, logger *log.Logger) {
	r.Use(correlationMiddleware)
	r.Use(httprate.Limit(cfg.RateLimitPerMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := admin.Ping(r.Context()); err != nil {
			logger.Error("Database health check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "Database unhealthy")
			return
		}
		if redis != nil {
			if err := redis.Ping(r.Context()); err != nil {
				logger.Error("Redis health check failed", zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "Redis unhealthy")
				return
			}
		}
		resp := map[string]any{"status": "ok"}
		if workers != nil {
			resp["workers"] = workers.Health()
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Post("/webhook/entry", func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			logger.Warn("Failed to read webhook body", zap.Error(err))
			countRejected(m, "unreadable_body")
			writeError(w, http.StatusBadRequest, "Unable to read request body")
			return
		}

		meta := signature.Meta{IP: clientIP(r), CorrelationID: CorrelationID(r.Context())}
		if err := verifier.Verify(r.Context(), r.URL.Path, raw, r.Header.Get("X-Signature"), r.Header.Get("X-Timestamp"), meta); err != nil {
			var rej *signature.RejectError
			if errors.As(err, &rej) {
				countRejected(m, rej.Reason)
				writeError(w, rej.Status, rej.Message)
				return
			}
			logger.Error("Signature verification unavailable", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal error")
			return
		}

		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			countRejected(m, "malformed_payload")
			writeError(w, http.StatusBadRequest, "Malformed JSON payload")
			return
		}

		res, err := deduper.Admit(r.Context(), payload, strings.TrimSpace(r.Header.Get(idempotency.HeaderKey)))
		if err != nil {
			logger.Error("Event admission failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal error")
			return
		}
		if res.Duplicate {
			countIngest(m, "duplicate")
			writeJSON(w, http.StatusOK, map[string]any{
				"status":            "accepted",
				"internal_event_id": res.InternalEventID,
				"duplicate":         true,
			})
			return
		}

		// Forward failures never revoke admission; delivery downstream is
		// at-least-once and retried out of band.
		_ = forwarder.Forward(r.Context(), res.InternalEventID, meta.CorrelationID, raw)

		countIngest(m, "accepted")
		writeJSON(w, http.StatusOK, map[string]any{
			"status":            "accepted",
			"internal_event_id": res.InternalEventID,
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.JWTSecret, logger))

		r.Get("/dlq", func(w http.ResponseWriter, r *http.Request) {
			queueName := r.URL.Query().Get("queue")
			if queueName == "" {
				writeError(w, http.StatusBadRequest, "Missing queue parameter")
				return
			}
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if limit <= 0 {
				limit = 10
			}
			items, err := admin.DeadLetters(r.Context(), queueName, limit)
			if err != nil {
				logger.Error("Failed to list dead letters", zap.Error(err), zap.String("queue", queueName))
				writeError(w, http.StatusInternalServerError, "Internal error")
				return
			}
			writeJSON(w, http.StatusOK, items)
		})

		r.Post("/dlq/delete", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ID int64 `json:"id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "Invalid request body")
				return
			}
			if err := admin.DeleteDeadLetter(r.Context(), req.ID); err != nil {
				logger.Error("Failed to delete dead letter", zap.Error(err), zap.Int64("id", req.ID))
				writeError(w, http.StatusInternalServerError, "Internal error")
				return
			}
			logger.Info("Deleted dead letter", zap.Int64("id", req.ID))
			writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
		})

		r.Group(func(r chi.Router) {
			r.Use(idem.Handler)

			r.Post("/internal/messages", func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					Channel    string         `json:"channel"`
					To         string         `json:"to"`
					TemplateID string         `json:"template_id"`
					Variables  map[string]any `json:"variables"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					writeError(w, http.StatusBadRequest, "Invalid request body")
					return
				}
				if req.Channel == "" || req.To == "" || req.TemplateID == "" {
					writeError(w, http.StatusBadRequest, "channel, to and template_id are required")
					return
				}
				res, err := producer.Enqueue(r.Context(), "messaging_send", map[string]any{
					"channel":        req.Channel,
					"to":             req.To,
					"template_id":    req.TemplateID,
					"variables":      req.Variables,
					"correlation_id": CorrelationID(r.Context()),
				}, nil)
				if err != nil {
					writeError(w, http.StatusInternalServerError, "Failed to queue message")
					return
				}
				countEnqueue(m, "messaging_send", res.Queued)
				writeJSON(w, http.StatusAccepted, map[string]any{
					"status": "queued",
					"queued": res.Queued,
					"job_id": res.ID,
				})
			})

			r.Post("/internal/otp", func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					SubjectType string `json:"subject_type"`
					SubjectID   string `json:"subject_id"`
					Channel     string `json:"channel"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					writeError(w, http.StatusBadRequest, "Invalid request body")
					return
				}
				if req.SubjectType == "" || req.SubjectID == "" {
					writeError(w, http.StatusBadRequest, "subject_type and subject_id are required")
					return
				}
				otpID := uuid.NewString()
				res, err := producer.Enqueue(r.Context(), "otp_send", map[string]any{
					"otp_id":         otpID,
					"subject_type":   req.SubjectType,
					"subject_id":     req.SubjectID,
					"channel":        req.Channel,
					"correlation_id": CorrelationID(r.Context()),
				}, nil)
				if err != nil {
					writeError(w, http.StatusInternalServerError, "Failed to queue OTP")
					return
				}
				countEnqueue(m, "otp_send", res.Queued)
				writeJSON(w, http.StatusAccepted, map[string]any{
					"otp_id": otpID,
					"status": "queued",
					"job_id": res.ID,
				})
			})

			r.Post("/internal/refunds", func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					TransactionID string `json:"transaction_id"`
					AmountCents   int64  `json:"amount_cents"`
					Reason        string `json:"reason"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					writeError(w, http.StatusBadRequest, "Invalid request body")
					return
				}
				if req.TransactionID == "" {
					writeError(w, http.StatusBadRequest, "transaction_id is required")
					return
				}
				if req.AmountCents <= 0 {
					writeError(w, http.StatusBadRequest, "amount_cents must be positive")
					return
				}
				refundID := uuid.NewString()
				res, err := producer.Enqueue(r.Context(), "refund_execute", map[string]any{
					"refund_id":      refundID,
					"transaction_id": req.TransactionID,
					"amount_cents":   req.AmountCents,
					"reason":         req.Reason,
					"correlation_id": CorrelationID(r.Context()),
				}, nil)
				if err != nil {
					writeError(w, http.StatusInternalServerError, "Failed to queue refund")
					return
				}
				countEnqueue(m, "refund_execute", res.Queued)
				writeJSON(w, http.StatusAccepted, map[string]any{
					"refund_id": refundID,
					"status":    "queued",
					"job_id":    res.ID,
				})
			})
		})
	})
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Warn("Missing authorization token", zap.String("path", r.URL.Path))
				writeError(w, http.StatusUnauthorized, "Missing token")
				return
			}
			tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Warn("Invalid JWT token", zap.Error(err), zap.String("path", r.URL.Path))
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type ctxKey string

const correlationKey ctxKey = "correlation_id"

// correlationMiddleware propagates or mints the request correlation id and
// echoes it on the response.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(forward.HeaderCorrelationID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(forward.HeaderCorrelationID, id)
		ctx := context.WithValue(r.Context(), correlationKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey).(string); ok {
		return id
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func countIngest(m *metrics.GatewayMetrics, outcome string) {
	if m != nil {
		m.IngestTotal.WithLabelValues(outcome).Inc()
	}
}

func countRejected(m *metrics.GatewayMetrics, reason string) {
	if m != nil {
		m.IngestRejected.WithLabelValues(reason).Inc()
	}
}

func countEnqueue(m *metrics.GatewayMetrics, queueName string, queued bool) {
	if m != nil && queued {
		m.EnqueueTotal.WithLabelValues(queueName).Inc()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"message":%q}}`, message)
}
