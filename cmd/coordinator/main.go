// Command coordinator is the Coordinator service's composition root: it
// wires configuration, storage, and the C1–C6, C8 and C9 components
// together (the C7 escrow orchestrator is not constructed here), then
// serves HTTP until signalled to shut down.
//
// Grounded on the teacher's apps/helm-node/main.go: Postgres connect +
// ping, component construction in dependency order, a health server on
// its own port, and a graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/somatechlat/yachaq-coordinator/pkg/audit"
	"github.com/somatechlat/yachaq-coordinator/pkg/config"
	"github.com/somatechlat/yachaq-coordinator/pkg/eventbus"
	"github.com/somatechlat/yachaq-coordinator/pkg/lifecycle"
	"github.com/somatechlat/yachaq-coordinator/pkg/policy"
	"github.com/somatechlat/yachaq-coordinator/pkg/policystamp"
	"github.com/somatechlat/yachaq-coordinator/pkg/rendezvous"
	"github.com/somatechlat/yachaq-coordinator/pkg/reputation"
	"github.com/somatechlat/yachaq-coordinator/pkg/request"
)

func main() {
	os.Exit(run())
}

func run() int {
	log.Println("[yachaq] coordinator starting")
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("database ping failed: %v", err)
	}
	log.Println("[yachaq] postgres: connected")

	auditStore, err := audit.NewPostgresStore(db)
	if err != nil {
		log.Fatalf("audit store init: %v", err)
	}

	signer, err := policystamp.NewSigner(cfg.PolicyStampKey)
	if err != nil {
		log.Fatalf("policy stamp signer init: %v", err)
	}

	repTracker := reputation.NewTracker(cfg.ReputationDecayRate)
	reqStore := request.NewStore(auditStore, repTracker)
	reviewer := policy.NewReviewer(signer, auditStore, cfg.PolicyVersion)

	var publisher rendezvous.Publisher
	var distributedLimiter *reputation.RedisWindowStore
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		publisher = &redisPublisher{client: redisClient}
		distributedLimiter = reputation.NewRedisWindowStore(redisClient)
		slog.Info("rendezvous: using redis publisher", "addr", cfg.RedisAddr)
		slog.Info("reputation: rate limiting via redis, safe for multi-instance deployment")
	} else {
		publisher = rendezvous.NewInMemoryPublisher()
		slog.Warn("rendezvous: using in-memory publisher, not suitable for multi-instance deployment")
	}

	broker, err := rendezvous.NewBroker()
	if err != nil {
		log.Fatalf("rendezvous broker init: %v", err)
	}

	bus := eventbus.NewBus(eventDispatcher, 5, 24*time.Hour)

	coordinator := lifecycle.NewCoordinator(reqStore, repTracker, reviewer, publisher, bus, distributedLimiter)
	maintenance := lifecycle.NewMaintenance(repTracker, broker, bus, time.Hour)

	shutdownCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go maintenance.Run(shutdownCtx)

	mux := http.NewServeMux()
	registerRoutes(mux, coordinator, auditStore)

	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	healthServer := &http.Server{Addr: ":8081", Handler: healthMux}

	go func() {
		log.Printf("[yachaq] health server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("health server error: %v", err)
		}
	}()

	go func() {
		log.Printf("[yachaq] coordinator listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("[yachaq] shutdown signal received, draining")
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	_ = server.Shutdown(drainCtx)
	_ = healthServer.Shutdown(drainCtx)

	log.Println("[yachaq] coordinator stopped")
	return 0
}

func registerRoutes(mux *http.ServeMux, coordinator *lifecycle.Coordinator, auditStore audit.Store) {
	mux.HandleFunc("/v1/requests", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var in request.Input
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		result, err := coordinator.Submit(r.Context(), in)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	})

	mux.HandleFunc("/v1/audit/export", func(w http.ResponseWriter, r *http.Request) {
		export, err := auditStore.Export()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(export))
	})
}

// redisPublisher adapts a Redis client to rendezvous.Publisher via
// PUBLISH, counting subscribers with PUBSUB NUMSUB before dispatch.
// Acks are recorded in a per-dispatch Redis set so any coordinator
// instance can observe them.
type redisPublisher struct {
	client *redis.Client
}

func (p *redisPublisher) Publish(ctx context.Context, mode rendezvous.Mode, routingKey string, payload rendezvous.PublicationPayload) (string, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", 0, err
	}

	counts, err := p.client.PubSubNumSub(ctx, routingKey).Result()
	if err != nil {
		return "", 0, err
	}

	if err := p.client.Publish(ctx, routingKey, body).Err(); err != nil {
		return "", 0, err
	}

	dispatchID := payload.RequestID + ":" + string(mode)
	return dispatchID, int(counts[routingKey]), nil
}

func (p *redisPublisher) Ack(ctx context.Context, dispatchID string, nodeID string) error {
	return p.client.SAdd(ctx, "yachaq:acks:"+dispatchID, nodeID).Err()
}

// eventDispatcher logs every completed canonical event; the
// coordinator's only subscriber until a webhook/queue fan-out is wired
// in.
func eventDispatcher(ctx context.Context, event eventbus.Event) error {
	slog.Info("eventbus: dispatch",
		"event_type", event.EventType,
		"trace_id", event.TraceID,
		"resource_id", event.ResourceID,
		"idempotency_key", event.IdempotencyKey,
	)
	return nil
}
