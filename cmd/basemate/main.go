package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/basemate/basemate/agent"
	"github.com/basemate/basemate/chain"
	"github.com/basemate/basemate/content"
	"github.com/basemate/basemate/gateway"
	"github.com/basemate/basemate/pkg/config"
	"github.com/basemate/basemate/pkg/kv"
	"github.com/basemate/basemate/pkg/llm"
	"github.com/basemate/basemate/storage"
	"github.com/basemate/basemate/tools"
)

const systemPrompt = `You are Basemate, a friendly assistant living in a chat on the Base network.
You can check crypto prices, look up wallet balances, present quick action menus
and prepare ETH transfers for the user to sign. Keep replies short and concrete.
When the user asks to send funds, always use the send_eth tool instead of
describing the steps yourself. Never invent prices or balances.`

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("[OK] loaded .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	log.Printf("Starting basemate (env=%s, model=%s, chain=%d)", cfg.Env, cfg.Model, cfg.DefaultChainID)

	// Key-value cache: on-disk when a directory is configured, in-memory
	// otherwise.
	kvOpts := kv.MemoryOptions()
	if cfg.KVDir != "" {
		kvOpts = kv.DefaultOptions(cfg.KVDir)
	}
	cache, err := kv.Open(kvOpts)
	if err != nil {
		log.Fatalf("open kv store: %v", err)
	}
	defer cache.Close()

	// Optional transcript archive.
	var archive agent.Archiver
	var store *storage.Storage
	if cfg.DBPath != "" {
		store, err = storage.New(cfg.DBPath)
		if err != nil {
			log.Fatalf("open archive: %v", err)
		}
		defer store.Close()
		archive = store
	}

	chainCfg, ok := cfg.Chains.Get(cfg.DefaultChainID)
	if !ok {
		log.Fatalf("unknown chain id %d", cfg.DefaultChainID)
	}
	rpc := chain.NewClient(chainCfg.RPCURLs...)

	registry := tools.NewRegistry()
	registry.Register(tools.NewPriceTool(cache))
	registry.Register(tools.NewBalanceTool(rpc, cfg.DefaultChainID, cfg.Chains))
	registry.Register(tools.NewSendTool(cfg.DefaultChainID, cfg.Chains))
	registry.Register(tools.NewQuickActionsTool())
	log.Printf("[OK] registered %d tools", len(registry.List()))

	provider := llm.NewOpenAIProvider(llm.OpenAIConfig{
		APIKey:      cfg.OpenAIKey,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     cfg.CompletionTimeout,
	})

	router := content.NewRouter(cfg.Chains, cache)
	sessions := agent.NewSessionRegistry(cfg.RateLimitWindow, cfg.HistoryLimit)
	handler := agent.NewHandler(provider, registry, router, sessions, systemPrompt, archive)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Local webchat endpoint, always on.
	webchat := gateway.NewWebChat(handler)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", webchat.HandleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		log.Printf("[OK] webchat listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("webchat server: %v", err)
		}
	}()

	// Messaging relay, when configured.
	var relay *gateway.Relay
	if cfg.RelayURL != "" {
		relay = gateway.NewRelay(cfg.RelayURL, cfg.IdentityKey, handler)
		go relay.Start(ctx)
		log.Printf("[OK] relay connecting to %s", cfg.RelayURL)
	}

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[WARN] webchat shutdown: %v", err)
	}
	if relay != nil {
		relay.Stop()
	}

	if store != nil {
		if messages, contacts, err := store.Stats(); err == nil {
			log.Printf("[OK] archive: %d messages, %d contacts", messages, contacts)
		}
	}
	sent := router.Stats()
	log.Printf("[OK] sent: text=%d transaction=%d quick-actions=%d fallback=%d",
		sent["text"], sent["transaction"], sent["quick_actions"], sent["fallback"])
}
