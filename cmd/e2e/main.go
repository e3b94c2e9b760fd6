package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"realtime/internal/realtime"
	"realtime/internal/realtime/access"
	"realtime/internal/realtime/auth"
)

type Config struct {
	ServerURL             string        `env:"SERVER_URL" envDefault:"http://localhost:8080"`
	Clients               int           `env:"CLIENTS" envDefault:"50"`
	EventCount            int           `env:"EVENT_COUNT" envDefault:"200"`
	PublishMessagesPerSec float64       `env:"PUBLISH_MESSAGES_PER_SEC" envDefault:"50"`
	PingInterval          time.Duration `env:"PING_INTERVAL" envDefault:"10s"`
	DrainTimeout          time.Duration `env:"DRAIN_TIMEOUT" envDefault:"3s"`
	LogLevel              string        `env:"LOG_LEVEL" envDefault:"info"`
	Auth                  auth.Config
}

var topics = []string{
	access.TopicUnitAvailability,
	access.TopicPropertyUpdate,
	access.TopicNotification,
	access.TopicPaymentUpdate,
}

type counters struct {
	published atomic.Int64
	sent      atomic.Int64
	failed    atomic.Int64
	received  atomic.Int64
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment variables: %v", err)
	}

	config := zap.NewProductionConfig()
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Printf("invalid log level %q, defaulting to info: %v", cfg.LogLevel, err)
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	logger, err := config.Build(zap.AddCaller())
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	var verifier *auth.Verifier
	if cfg.Auth.Secret != "" {
		if verifier, err = auth.NewVerifier(cfg.Auth); err != nil {
			log.Fatalf("failed to create token issuer: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var c counters
	now := time.Now()

	clientsCtx, closeClients := context.WithCancel(ctx)
	defer closeClients()

	clients, cctx := errgroup.WithContext(clientsCtx)
	ready := make(chan struct{}, cfg.Clients)
	for i := range cfg.Clients {
		userID := fmt.Sprintf("e2e-user-%d", i)
		role := realtime.Roles[i%len(realtime.Roles)]
		clients.Go(func() error {
			return runClient(cctx, cfg, verifier, logger, userID, role, &c, ready)
		})
	}

	for range cfg.Clients {
		select {
		case <-ready:
		case <-cctx.Done():
			logger.Error("clients failed to connect", zap.Error(clients.Wait()))
			os.Exit(1)
		}
	}
	logger.Info("clients connected", zap.Int("clients", cfg.Clients))

	if err := publish(ctx, cfg, verifier, logger, &c); err != nil {
		logger.Error("publishing failed", zap.Error(err))
	}

	// let in-flight frames land before counting
	select {
	case <-time.After(cfg.DrainTimeout):
	case <-ctx.Done():
	}
	closeClients()
	if err := clients.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("client failed", zap.Error(err))
	}

	logger.Info("e2e complete",
		zap.Int64("published", c.published.Load()),
		zap.Int64("sentToClients", c.sent.Load()),
		zap.Int64("failed", c.failed.Load()),
		zap.Int64("received", c.received.Load()),
		zap.Duration("elapsed", time.Since(now)),
	)
	if c.received.Load() != c.sent.Load() {
		logger.Warn("received frame count differs from reported deliveries")
	}

	fmt.Printf("\n\n TEST COMPLETE IN %.2f seconds\n", time.Since(now).Seconds())
}

func wsURL(cfg Config, verifier *auth.Verifier, userID string, role realtime.Role) (string, error) {
	query := url.Values{"userId": {userID}, "userRole": {string(role)}}
	if verifier != nil {
		token, err := verifier.Issue(userID, role, time.Hour)
		if err != nil {
			return "", err
		}
		query.Set("token", token)
	}

	base := strings.Replace(cfg.ServerURL, "http", "ws", 1)
	return base + "/realtime?" + query.Encode(), nil
}

func runClient(
	ctx context.Context,
	cfg Config,
	verifier *auth.Verifier,
	logger *zap.Logger,
	userID string,
	role realtime.Role,
	c *counters,
	ready chan<- struct{},
) error {
	u, err := wsURL(cfg, verifier, userID, role)
	if err != nil {
		return fmt.Errorf("failed to build url for %s: %w", userID, err)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("failed to connect %s: %w", userID, err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(map[string]any{"type": realtime.MessageSubscribe, "events": topics}); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", userID, err)
	}

	go func() {
		<-ctx.Done()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}()

	go func() {
		ticker := time.NewTicker(cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// single writer after subscribe: only this goroutine writes data frames
				if err := ws.WriteJSON(map[string]any{"type": realtime.MessagePing, "timestamp": time.Now().UnixMilli()}); err != nil {
					return
				}
			}
		}
	}()

	clientLogger := logger.With(zap.String("userId", userID), zap.String("role", string(role)))
	signalled := false
	for {
		var frame map[string]any
		if err := ws.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("client %s read failed: %w", userID, err)
		}

		switch realtime.MessageType(fmt.Sprint(frame["type"])) {
		case realtime.MessageConnected, realtime.MessagePong, realtime.MessageAuthSuccess:
		case realtime.MessageSubscriptionConfirmed:
			if !signalled {
				signalled = true
				ready <- struct{}{}
			}
		case realtime.MessageError:
			clientLogger.Warn("server reported an error", zap.Any("message", frame["message"]))
		default:
			c.received.Add(1)
		}
	}
}

type ingestResponse struct {
	Success       bool   `json:"success"`
	SentToClients int    `json:"sentToClients"`
	Failed        int    `json:"failed"`
	Error         string `json:"error"`
}

func publish(ctx context.Context, cfg Config, verifier *auth.Verifier, logger *zap.Logger, c *counters) error {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.PublishMessagesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PublishMessagesPerSec), 1)
	}

	var token string
	if verifier != nil {
		t, err := verifier.Issue("e2e-publisher", realtime.RoleAdmin, time.Hour)
		if err != nil {
			return err
		}
		token = t
	}

	client := &http.Client{Timeout: 10 * time.Second}
	for i := range cfg.EventCount {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		body, err := json.Marshal(event(i, cfg.Clients))
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.ServerURL+"/realtime", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to publish event %d: %w", i, err)
		}
		var out ingestResponse
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to decode publish response: %w", err)
		}
		if !out.Success {
			logger.Warn("publish rejected", zap.Int("event", i), zap.String("error", out.Error))
			continue
		}

		c.published.Add(1)
		c.sent.Add(int64(out.SentToClients))
		c.failed.Add(int64(out.Failed))
	}

	logger.Info(fmt.Sprintf("published %d events", c.published.Load()))
	return nil
}

func event(i, clients int) map[string]any {
	user := fmt.Sprintf("e2e-user-%d", rand.Intn(max(clients, 1)))

	switch i % 4 {
	case 0:
		return map[string]any{
			"eventType": access.TopicUnitAvailability,
			"data":      map[string]any{"unitId": fmt.Sprintf("UNIT-%04d", i), "available": rand.Intn(2) == 0},
		}
	case 1:
		return map[string]any{
			"eventType": access.TopicPropertyUpdate,
			"data":      map[string]any{"propertyId": fmt.Sprintf("PROP-%03d", i%50), "price": 250000 + rand.Intn(500000)},
		}
	case 2:
		return map[string]any{
			"eventType":   access.TopicNotification,
			"data":        map[string]any{"title": "Offer update", "userId": user},
			"targetUsers": []string{user},
		}
	default:
		return map[string]any{
			"eventType": access.TopicPaymentUpdate,
			"data":      map[string]any{"buyerId": user, "amount": 1000 + rand.Intn(9000)},
		}
	}
}
