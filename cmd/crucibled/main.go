// Command crucibled is the Crucible daemon: it owns one kiln's storage
// backend, embedding pipeline, file watcher, and session reactor, and
// exposes them over a Unix-domain JSON-RPC socket.
//
// Usage:
//
//	crucibled [-conf path] [-kiln path]
//
// Reference: spec.md §1 Overview, §6 External Interfaces
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"crucible/internal/config"
	"crucible/internal/watch"
	"crucible/pkg/clock"
	"crucible/pkg/embedding"
	"crucible/pkg/embedding/provider"
	"crucible/pkg/rpc"
	"crucible/pkg/storage"

	_ "crucible/pkg/storage/badgerbackend"
	_ "crucible/pkg/storage/filebackend"
	_ "crucible/pkg/storage/memorybackend"
)

func main() {
	confPath := flag.String("conf", "", "path to a .crucible.conf file")
	kilnOverride := flag.String("kiln", "", "path to the kiln root (overrides OBSIDIAN_KILN_PATH)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "crucibled: constructing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*confPath, *kilnOverride, logger); err != nil {
		logger.Error("crucibled exited with an error", zap.Error(err))
		os.Exit(1)
	}
}

func run(confPath, kilnOverride string, logger *zap.Logger) error {
	cfg, err := config.Load(confPath)
	if err != nil {
		return err
	}
	if kilnOverride != "" {
		cfg.KilnPath = kilnOverride
	}
	if cfg.KilnPath == "" {
		return fmt.Errorf("no kiln path configured: pass -kiln or set OBSIDIAN_KILN_PATH")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.NewReal()

	backend, err := storage.NewFactory().Build(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("constructing storage backend: %w", err)
	}

	embedProvider, dims := buildProvider(cfg, logger)
	retrier := provider.NewRetryWrapper(embedProvider, provider.DefaultRetryConfig(), provider.RealSleeper{})

	sink, queue := buildEventQueue(cfg, logger.Named("embedding"))
	eventSeq := uint64(0)
	handler := embedding.NewEmbeddingEventHandler(sink, func() string {
		eventSeq++
		return fmt.Sprintf("evt-%d", eventSeq)
	})

	// events is the processor's native input channel; queue is what the
	// handler actually writes to. Pump forwards one into the other so
	// Send on queue never blocks the watcher regardless of how fast the
	// processor is draining, which is what makes queue's chosen
	// backpressure policy (unbounded growth, or bounded eviction) the
	// only place events can be queued or dropped.
	events := make(chan embedding.EmbeddingEvent)
	go embedding.Pump(ctx, queue, events)

	processor := embedding.NewProcessor(embedding.DefaultConfig(), clk, backend, retrier, events)
	go processor.Run(ctx)
	defer func() {
		processor.Shutdown()
		processor.Wait()
	}()

	watcher, err := watch.New(cfg.KilnPath, handler, logger.Named("watch"))
	if err != nil {
		return fmt.Errorf("constructing file watcher: %w", err)
	}
	defer watcher.Close()
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("file watcher stopped", zap.Error(err))
		}
	}()

	logger.Info("embedding provider selected",
		zap.String("model", cfg.EmbeddingModel),
		zap.Int("dimensions", dims),
		zap.Bool("http_backed", cfg.EmbeddingEndpoint != ""))

	sessions := rpc.NewSessionManager(clk, logger.Named("sessions"))
	kilns := rpc.NewKilnRegistry()
	kilns.Register(cfg.KilnPath)
	searcher := rpc.NewSearcher(backend, embedProvider)

	var server *rpc.Server
	dispatcher := rpc.NewDispatcher(logger.Named("rpc"), sessions, kilns, searcher, func() {
		stop()
		if server != nil {
			server.Stop()
		}
	})
	server = rpc.NewServer(cfg.RPCSocket, dispatcher, logger.Named("rpc"))

	logger.Info("crucibled starting",
		zap.String("kiln", cfg.KilnPath),
		zap.String("socket", cfg.RPCSocket))

	return server.ListenAndServe(ctx)
}

// pumpSource is the read side of whichever queue buildEventQueue
// constructs. Both embedding.UnboundedEventChannel and
// embedding.BoundedEventChannel satisfy it structurally, which is all
// embedding.Pump requires of its queue argument.
type pumpSource interface {
	Receive() (embedding.EmbeddingEvent, bool)
	Notify() <-chan struct{}
}

// buildEventQueue constructs the handler-facing side of the embedding
// pipeline: an embedding.EventSink the watcher's handler writes into,
// and the same value's read side for embedding.Pump to drain. A zero
// or negative cfg.EmbeddingChannelCapacity selects the spec-required
// unbounded channel; a positive value opts into the permitted bounded
// alternative with a "newest replaces older for same path" overflow
// policy.
func buildEventQueue(cfg config.Config, logger *zap.Logger) (embedding.EventSink, pumpSource) {
	if cfg.EmbeddingChannelCapacity > 0 {
		logger.Info("embedding channel bounded",
			zap.Int("capacity", cfg.EmbeddingChannelCapacity))
		q := embedding.NewBoundedEventChannel(cfg.EmbeddingChannelCapacity)
		return q, q
	}
	logger.Info("embedding channel unbounded")
	q := embedding.NewUnboundedEventChannel()
	return q, q
}

// buildProvider selects an HTTP-backed embedding provider when
// cfg.EmbeddingEndpoint is set, falling back to a deterministic
// in-process fake provider otherwise (local-only kilns with no
// inference server configured still get a usable, if low-quality,
// embedding pipeline).
func buildProvider(cfg config.Config, logger *zap.Logger) (provider.Provider, int) {
	const fakeDimensions = 256

	if cfg.EmbeddingEndpoint == "" {
		logger.Warn("no embedding endpoint configured, using the deterministic fake provider")
		p := provider.NewFakeProvider(fakeDimensions)
		return p, fakeDimensions
	}

	p, err := provider.NewHTTPProvider(provider.HTTPProviderConfig{
		Endpoint:   cfg.EmbeddingEndpoint,
		Model:      cfg.EmbeddingModel,
		Dimensions: fakeDimensions,
	})
	if err != nil {
		logger.Warn("invalid embedding endpoint configuration, falling back to the fake provider", zap.Error(err))
		fp := provider.NewFakeProvider(fakeDimensions)
		return fp, fakeDimensions
	}
	return p, fakeDimensions
}
