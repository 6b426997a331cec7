package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/platformsec/session-lifecycle-service/internal/domain"
	"github.com/platformsec/session-lifecycle-service/internal/health"
	"github.com/platformsec/session-lifecycle-service/internal/http/handler"
	"github.com/platformsec/session-lifecycle-service/internal/http/router"
	"github.com/platformsec/session-lifecycle-service/internal/repository"
	"github.com/platformsec/session-lifecycle-service/internal/security"
	"github.com/platformsec/session-lifecycle-service/internal/service"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type testServer struct {
	BaseURL string
	Client  *http.Client
	Repo    repository.SessionRepository
	DB      *gorm.DB
	JWT     *security.JWTManager
}

func newSessionTestServer(t *testing.T) *testServer {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Session{}); err != nil {
		t.Fatalf("migrate session: %v", err)
	}

	redisServer := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := repository.NewSessionRepository(db)
	cache := service.NewRedisSessionCache(redisClient, "")
	manager := service.NewSessionManager(repo, cache, logger, service.SessionManagerOptions{
		TokenPepper:      "integration-pepper",
		SessionTTL:       time.Hour,
		CacheTTL:         30 * time.Minute,
		UserSetTTLMargin: 24 * time.Hour,
		OperationTimeout: 3 * time.Second,
	})

	jwtMgr := security.NewJWTManager("integration-issuer", "integration-audience", "integration-secret")
	sessionHandler := handler.NewSessionHandler(manager, jwtMgr, 15*time.Minute, logger)

	readiness := health.NewProbeRunner(time.Millisecond, time.Second)
	readiness.Register("database", func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})
	readiness.Register("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})

	h := router.NewRouter(router.Dependencies{
		SessionHandler:      sessionHandler,
		JWTManager:          jwtMgr,
		APIRateLimitRPM:     10000,
		SessionRateLimitRPM: 10000,
		Readiness:           readiness,
	})

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &testServer{
		BaseURL: srv.URL,
		Client:  srv.Client(),
		Repo:    repo,
		DB:      db,
		JWT:     jwtMgr,
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp, env
}
