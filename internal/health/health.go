package health

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pressmill/pdf-compress-service/config"
	"github.com/pressmill/pdf-compress-service/internal/ledger"
)

type HealthResponse struct {
	Status     string                 `json:"status"`
	Timestamp  string                 `json:"timestamp"`
	Components map[string]interface{} `json:"components"`
	Tasks      map[string]int         `json:"tasks"`
}

// StartHealthServer starts the health check HTTP server
func StartHealthServer(cfg *config.Config, db *sql.DB, led *ledger.Ledger, logger *zap.Logger) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health := checkHealth(r, db, led, logger)

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "healthy" {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		// Readiness check - can we process requests?
		if err := db.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		// Liveness check - is the process alive?
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("alive"))
	})

	addr := fmt.Sprintf(":%d", cfg.HealthCheckPort)
	logger.Info("Starting health check server", zap.String("addr", addr))

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("Health server error", zap.Error(err))
		}
	}()
}

func checkHealth(r *http.Request, db *sql.DB, led *ledger.Ledger, logger *zap.Logger) HealthResponse {
	health := HealthResponse{
		Status:     "healthy",
		Timestamp:  time.Now().Format(time.RFC3339),
		Components: make(map[string]interface{}),
		Tasks:      make(map[string]int),
	}

	// Check database
	if err := db.Ping(); err != nil {
		health.Status = "unhealthy"
		health.Components["database"] = map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		}
		logger.Warn("Database health check failed", zap.Error(err))
	} else {
		health.Components["database"] = "healthy"
	}

	// Task statistics by status
	counts, err := led.CountByStatus(r.Context())
	if err != nil {
		logger.Warn("Task count health check failed", zap.Error(err))
	} else {
		for status, n := range counts {
			health.Tasks[string(status)] = n
		}
	}

	return health
}
