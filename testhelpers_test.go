//go:build integration

package main_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/certpeak/service-purchase/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// testInfra holds shared test infrastructure.
type testInfra struct {
	DB      *gorm.DB
	Cleanup func()
}

// setupPostgres starts a PostgreSQL testcontainer and returns a connected GORM DB.
func setupPostgres(t *testing.T) *testInfra {
	t.Helper()
	ctx := context.Background()

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "test_purchase",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	require.NoError(t, err, "failed to start PostgreSQL container")

	pgHost, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	pgPort, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=test password=test dbname=test_purchase sslmode=disable", pgHost, pgPort.Port())

	// Poll until GORM can actually connect and ping.
	var db *gorm.DB
	require.Eventually(t, func() bool {
		var err error
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			return false
		}
		sqlDB, err := db.DB()
		if err != nil {
			return false
		}
		return sqlDB.Ping() == nil
	}, 30*time.Second, 1*time.Second, "PostgreSQL not ready for connections")

	require.NoError(t, db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`).Error)
	require.NoError(t, db.AutoMigrate(&repository.FlowModel{}))

	cleanup := func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate PostgreSQL container: %v", err)
		}
	}

	return &testInfra{DB: db, Cleanup: cleanup}
}

// ledgerState drives the fake pricing/ledger backend. The backend owns
// pricing, so the amount it reports per intent is set here.
type ledgerState struct {
	amountCents   int64
	currency      string
	intentCalls   atomic.Int64
	completeCalls atomic.Int64
	failComplete  atomic.Bool
}

// startFakeLedger serves the backend API surface the client talks to:
// intent creation, completion, manual payments, discounts, and provider config.
func startFakeLedger(t *testing.T, state *ledgerState) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/purchases/intent", func(w http.ResponseWriter, r *http.Request) {
		state.intentCalls.Add(1)

		intentID := fmt.Sprintf("pi_test_%s", uuid.New().String()[:8])
		writeJSON(w, http.StatusOK, map[string]any{
			"success":         true,
			"clientSecret":    intentID + "_secret_x",
			"paymentIntentId": intentID,
			"finalAmount":     state.amountCents,
			"totalAmount":     state.amountCents,
			"currency":        state.currency,
		})
	})
	mux.HandleFunc("/api/v1/purchases/complete", func(w http.ResponseWriter, r *http.Request) {
		state.completeCalls.Add(1)
		if state.failComplete.Load() {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "provisioning outage"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"kind":   "certificate_codes",
			"record": map[string]any{"codes": []string{"CERT-1", "CERT-2"}},
		})
	})
	mux.HandleFunc("/api/v1/purchases/manual", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(16<<20))
		require.NotEmpty(t, r.MultipartForm.File["receipt"], "manual submission must carry a receipt")
		writeJSON(w, http.StatusOK, map[string]any{"status": "pending_review"})
	})
	mux.HandleFunc("/api/v1/purchases/provider-config", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":        true,
			"publishableKey": "pk_test_ledger",
			"isConfigured":   true,
		})
	})
	mux.HandleFunc("/api/v1/discounts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "codes": []any{}})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
