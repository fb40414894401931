// Package main wires the bot gateway: platform webhooks in, canonical
// messages through the dispatcher, outbound API clients out.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"botbridge/internal/adapters/codec"
	"botbridge/internal/adapters/dto"
	"botbridge/internal/adapters/gateway"
	"botbridge/internal/adapters/handler"
	"botbridge/internal/adapters/repository"
	"botbridge/internal/adapters/websocket"
	"botbridge/internal/config"
	"botbridge/internal/core/domain"
	"botbridge/internal/core/services"
)

func main() {
	// 1. Load configuration from environment
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Log hub first so everything after it streams to the dashboard
	logHub := websocket.NewLogHub(cfg.App.MeshSecret)
	go logHub.Run()

	slog.SetDefault(slog.New(slog.NewJSONHandler(
		io.MultiWriter(os.Stdout, logHub),
		&slog.HandlerOptions{Level: slog.LevelInfo},
	)))

	slog.Info("Configuration loaded",
		"db_host", cfg.DB.Host,
		"redis_addr", cfg.Redis.Addr,
		"feishu_enabled", cfg.Feishu.Enabled(),
		"wecom_enabled", cfg.WeCom.Enabled(),
	)

	// 3. Infrastructure connections with retry (containers may still be booting)
	db := connectMariaDB(cfg.DB, 5, 2*time.Second)
	defer db.Close()
	slog.Info("MariaDB connection established")

	rdb := connectRedis(cfg.Redis, 5, 2*time.Second)
	defer rdb.Close()
	slog.Info("Redis connection established")

	// 4. Repositories and core services
	mariadbRepo := repository.NewMariaDBRepository(db)
	redisRepo := repository.NewRedisRepository(rdb)

	router := services.NewEventRouter()
	dispatcher := services.NewDispatcher(
		router,
		mariadbRepo, // WebhookRepository
		mariadbRepo, // MessageRepository
		redisRepo,   // DedupRepository
	)

	mux := http.NewServeMux()

	// 5. Platform wiring
	if cfg.Feishu.Enabled() {
		feishuClient := gateway.NewFeishuClient(cfg.Feishu.AppID, cfg.Feishu.AppSecret)
		registerFeishuHandlers(router, feishuClient)

		feishuWebhook := handler.NewFeishuWebhookHandler(
			dispatcher,
			cfg.Feishu.EncryptKey,
			cfg.Feishu.VerificationToken,
		)
		mux.HandleFunc("/webhook/feishu", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
				return
			}
			feishuWebhook.HandleEvent(w, r)
		})
		slog.Info("Feishu webhook registered", "path", "/webhook/feishu")
	}

	if cfg.WeCom.Enabled() {
		crypto, err := codec.NewWeComCrypto(cfg.WeCom.Token, cfg.WeCom.EncodingAESKey, cfg.WeCom.CorpID)
		if err != nil {
			log.Fatalf("Failed to initialize WeCom crypto: %v", err)
		}

		wecomClient := gateway.NewWeComClient(cfg.WeCom.CorpID, cfg.WeCom.CorpSecret, cfg.WeCom.AgentID)
		registerWeComHandlers(router, wecomClient)

		wecomWebhook := handler.NewWeComWebhookHandler(dispatcher, crypto, cfg.WeCom.CorpID)
		mux.HandleFunc("/webhook/wecom", func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				wecomWebhook.HandleVerify(w, r)
			case http.MethodPost:
				wecomWebhook.HandleEvent(w, r)
			default:
				http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			}
		})
		slog.Info("WeCom webhook registered", "path", "/webhook/wecom")
	}

	// 6. Dashboard and operational endpoints
	dashboard := handler.NewDashboardHandler(mariadbRepo, rdb)
	mux.HandleFunc("/", dashboard.HealthCheck)
	mux.HandleFunc("/api/system/metrics", dashboard.GetSystemMetrics)
	mux.HandleFunc("/api/stats", dashboard.GetStats)
	mux.HandleFunc("/ws/logs", logHub.ServeWS)

	// 7. Watchdog: auto-purge old rows when disk fills up
	services.RunWatchdog(db)

	addr := fmt.Sprintf(":%d", cfg.App.Port)
	slog.Info("HTTP server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("HTTP server failed: %v", err)
	}
}

// registerFeishuHandlers installs the default echo behavior for Feishu
// message events. Deployments replace these with real business handlers.
func registerFeishuHandlers(router *services.EventRouter, client *gateway.FeishuClient) {
	router.Register(dto.FeishuEventMessageReceive, func(ctx context.Context, msg *domain.CanonicalMessage) (any, error) {
		text, ok := msg.Content.(domain.TextContent)
		if !ok {
			return nil, nil
		}
		return nil, client.SendText(ctx, "chat_id", msg.ChatID, text.Text)
	})
}

// registerWeComHandlers installs the default echo behavior for WeCom text
// messages, replying through the passive encrypted channel.
func registerWeComHandlers(router *services.EventRouter, client *gateway.WeComClient) {
	_ = client // Active sends happen from business handlers; echo uses the passive reply
	router.Register(domain.MessageTypeText, func(ctx context.Context, msg *domain.CanonicalMessage) (any, error) {
		text, ok := msg.Content.(domain.TextContent)
		if !ok {
			return nil, nil
		}
		return text.Text, nil
	})
}

// connectMariaDB attempts to connect to MariaDB with retry logic
func connectMariaDB(cfg config.DBConfig, maxRetries int, retryDelay time.Duration) *sql.DB {
	dsn := cfg.GetDSN()

	var db *sql.DB
	var err error

	for i := 1; i <= maxRetries; i++ {
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			slog.Warn("Failed to configure DB driver", "attempt", i, "error", err)
			time.Sleep(retryDelay)
			continue
		}

		err = db.Ping()
		if err == nil {
			return db
		}

		slog.Warn("Cannot ping MariaDB", "attempt", i, "error", err)
		db.Close()

		if i < maxRetries {
			time.Sleep(retryDelay)
		}
	}

	log.Fatalf("Cannot connect to MariaDB after %d attempts: %v", maxRetries, err)
	return nil // unreachable
}

// connectRedis attempts to connect to Redis with retry logic
func connectRedis(cfg config.RedisConfig, maxRetries int, retryDelay time.Duration) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
	})

	ctx := context.Background()
	var err error

	for i := 1; i <= maxRetries; i++ {
		err = rdb.Ping(ctx).Err()
		if err == nil {
			return rdb
		}

		slog.Warn("Cannot ping Redis", "attempt", i, "error", err)

		if i < maxRetries {
			time.Sleep(retryDelay)
		}
	}

	log.Fatalf("Cannot connect to Redis after %d attempts: %v", maxRetries, err)
	return nil // unreachable
}
