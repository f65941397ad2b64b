// Package node assembles the indexing runtime: upstream RPC ingestion,
// the domain aggregates, the event store with its outbox, delivery and
// the wire transports.
package node

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/rs/zerolog"

	"github.com/chainpulse-io/chainpulse/config"
	"github.com/chainpulse-io/chainpulse/internal/blockqueue"
	"github.com/chainpulse-io/chainpulse/internal/chainindex"
	"github.com/chainpulse-io/chainpulse/internal/delivery"
	"github.com/chainpulse-io/chainpulse/internal/domain"
	"github.com/chainpulse-io/chainpulse/internal/eventstore"
	"github.com/chainpulse-io/chainpulse/internal/ingest"
	klog "github.com/chainpulse-io/chainpulse/internal/log"
	"github.com/chainpulse-io/chainpulse/internal/rpcclient"
	"github.com/chainpulse-io/chainpulse/internal/storage"
	"github.com/chainpulse-io/chainpulse/internal/wire"
)

// chainIndexSize is how many tail blocks the in-memory index holds.
const chainIndexSize = 4096

// Aggregate ids. One network and one mempool aggregate per node.
const (
	NetworkAggregateID = "network"
	MempoolAggregateID = "mempool"
)

// Node is a fully initialized indexing runtime.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Persistence
	store   *eventstore.Store
	cacheDB storage.DB
	cache   *storage.RestoreCache

	// Domain
	network *domain.Network
	mempool *domain.Mempool

	// Ingestion
	queue    *blockqueue.Queue
	provider *rpcclient.Provider
	loader   *ingest.Loader
	iterator *ingest.Iterator
	executor *Executor

	// Wire
	manager  *wire.Manager
	consumer *wire.Consumer
	httpSrv  *wire.HTTPServer
	ipcSrv   *wire.IPCServer
	ws       *wire.WSTransport
	deliver  *delivery.Loop

	started bool
}

// New creates and initializes a Node. It opens storage, rehydrates the
// aggregates and wires every subsystem, but starts no background loops;
// call Start for that.
func New(cfg *config.Config) (*Node, error) {
	// Logger first so every later step can report.
	logFile := cfg.Log.File
	if logFile == "" {
		if err := os.MkdirAll(cfg.LogsDir(), 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = cfg.LogsDir() + "/chainpulse.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.Node

	logger.Info().
		Str("network", string(cfg.Network)).
		Str("upstream", cfg.Upstream.URL).
		Msg("Starting Chainpulse indexer")

	if err := os.MkdirAll(cfg.ChainDataDir(), 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	// Event store.
	storeCfg := cfg.Store
	storeCfg.Path = cfg.StorePath()
	store, err := eventstore.Open(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	logger.Info().Str("path", storeCfg.Path).Msg("Event store opened")

	// Warm restore cache.
	cacheDB, err := storage.NewBadger(cfg.CacheDir())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open restore cache: %w", err)
	}
	cache := storage.NewRestoreCache(cacheDB)

	// Aggregates, rehydrated from the event store.
	index := chainindex.New(chainIndexSize, -1)
	network := domain.NewNetwork(NetworkAggregateID, index)
	mempool := domain.NewMempool(MempoolAggregateID)

	if err := rehydrate(store, cache, network, mempool, logger); err != nil {
		cacheDB.Close()
		store.Close()
		return nil, err
	}

	// Ingestion pipeline. The queue tip starts at the last indexed
	// height so the first enqueued block extends it.
	queue := blockqueue.New(cfg.Queue.MaxQueueSize, cfg.Queue.MaxBlockHeight, index.LastHeight())
	provider := rpcclient.NewProvider(rpcclient.New(cfg.Upstream))
	loader := ingest.NewLoader(provider, queue, cfg.Ingest)

	executor := NewExecutor(queue, network, mempool, store, provider)
	executor.SetCache(cache)
	executor.SetSnapshotPolicy(cfg.Store)
	iterator := ingest.NewIterator(queue, executor, cfg.Ingest.IteratorBatchSize)
	executor.SetAcker(iterator)

	// Wire fabric.
	manager := wire.NewManager()
	consumer := wire.NewConsumer(nil)

	n := &Node{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		cacheDB:  cacheDB,
		cache:    cache,
		network:  network,
		mempool:  mempool,
		queue:    queue,
		provider: provider,
		loader:   loader,
		iterator: iterator,
		executor: executor,
		manager:  manager,
		consumer: consumer,
	}

	if cfg.Wire.HTTP.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Wire.HTTP.Addr, cfg.Wire.HTTP.Port)
		n.httpSrv = wire.NewHTTPServer(addr, consumer)
		manager.Register(wire.NewProducer("http", n.httpSrv, cfg.Wire))
	}
	if cfg.Wire.IPC.Enabled {
		n.ipcSrv = wire.NewIPCServer(cfg.IPCPath(), consumer)
		manager.Register(wire.NewProducer("ipc", n.ipcSrv, cfg.Wire))
	}
	if cfg.Wire.WS.Enabled {
		ws, err := wire.DialWS(cfg.Wire.WS.URL)
		if err != nil {
			n.closeStorage()
			return nil, fmt.Errorf("dial downstream websocket: %w", err)
		}
		n.ws = ws
		manager.Register(wire.NewProducer("ws", ws, cfg.Wire))
	}

	if cfg.Wire.Streaming != "" {
		if err := manager.SetStreamingProducer(cfg.Wire.Streaming); err != nil {
			n.closeTransports()
			n.closeStorage()
			return nil, fmt.Errorf("select streaming producer: %w", err)
		}
		consumer.SetProducer(manager.Streaming())
		logger.Info().Str("producer", cfg.Wire.Streaming).Msg("Outbox streaming enabled")
	} else {
		logger.Warn().Msg("No streaming producer selected; outbox rows will accumulate")
	}

	n.deliver = delivery.NewLoop(store, manager, cfg.Delivery)
	if wm, err := cache.LoadWatermark(); err == nil && wm > 0 {
		n.deliver.SetWatermark(wm)
	}
	executor.SetOnPersist(n.deliver.Notify)

	n.registerQueries()

	return n, nil
}

// rehydrate restores aggregate state: snapshot plus replay from the
// event store, or the warm cache when the store is empty.
func rehydrate(store *eventstore.Store, cache *storage.RestoreCache,
	network *domain.Network, mempool *domain.Mempool, logger zerolog.Logger) error {

	ctx := context.Background()
	if err := store.RehydrateAtHeight(ctx, network, math.MaxInt64); err != nil {
		return fmt.Errorf("rehydrate network: %w", err)
	}
	if err := store.RehydrateAtHeight(ctx, mempool, math.MaxInt64); err != nil {
		return fmt.Errorf("rehydrate mempool: %w", err)
	}

	if network.Version() > 0 {
		logger.Info().
			Int64("height", network.Index().LastHeight()).
			Int64("network_version", network.Version()).
			Int("mempool_size", mempool.Size()).
			Msg("State rehydrated from event store")
		return nil
	}

	// Fresh event store. Seed the index from the warm cache if one
	// survived, otherwise start from scratch.
	tail, err := cache.LoadChainTail()
	if err != nil {
		logger.Warn().Err(err).Msg("Restore cache unreadable, starting cold")
		return nil
	}
	if len(tail) > 0 && network.Index().FromArray(tail) {
		logger.Info().
			Int("blocks", len(tail)).
			Int64("height", network.Index().LastHeight()).
			Msg("Chain tail seeded from restore cache")
	}
	if txids, err := cache.LoadMempoolTxIDs(); err == nil && len(txids) > 0 {
		if err := mempool.FromSnapshot(0, domain.NoBlockHeight, mempoolSeed(txids)); err == nil {
			logger.Info().Int("txids", len(txids)).Msg("Mempool seeded from restore cache")
		}
	}
	return nil
}

// Start launches the background loops: transports, heartbeats, delivery
// and ingestion.
func (n *Node) Start() error {
	if n.httpSrv != nil {
		if err := n.httpSrv.Start(); err != nil {
			return fmt.Errorf("start http transport: %w", err)
		}
	}
	if n.ipcSrv != nil {
		if err := n.ipcSrv.Start(); err != nil {
			return fmt.Errorf("start ipc transport: %w", err)
		}
	}
	if n.ws != nil {
		n.ws.StartReadPump(n.consumer)
	}

	if p := n.manager.Streaming(); p != nil {
		p.StartHeartbeat()
	}

	n.deliver.Start()
	n.iterator.Start()
	n.loader.Start()
	n.started = true

	n.logger.Info().
		Int64("height", n.Height()).
		Str("tip", n.TipHash()).
		Msg("Node started successfully")
	return nil
}

// Stop shuts the pipeline down in dependency order: ingestion first,
// then a final outbox drain, then transports and storage.
func (n *Node) Stop() {
	if n.started {
		n.loader.Stop()
		n.iterator.Stop()
		n.deliver.Stop()
	}

	if err := n.cache.SaveChainTail(n.network.Index().ToArray()); err != nil {
		n.logger.Warn().Err(err).Msg("cache chain tail failed")
	}
	if err := n.cache.SaveMempoolTxIDs(n.mempool.TxIDs()); err != nil {
		n.logger.Warn().Err(err).Msg("cache mempool txids failed")
	}
	if n.deliver != nil {
		if err := n.cache.SaveWatermark(n.deliver.LastSeenID()); err != nil {
			n.logger.Warn().Err(err).Msg("cache watermark failed")
		}
	}

	n.closeTransports()
	n.closeStorage()
	n.logger.Info().Msg("Goodbye!")
}

func (n *Node) closeTransports() {
	if n.manager != nil {
		if err := n.manager.DestroyAll(); err != nil {
			n.logger.Warn().Err(err).Msg("transport teardown failed")
		}
	}
}

func (n *Node) closeStorage() {
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.Warn().Err(err).Msg("close event store failed")
		}
	}
	if n.cacheDB != nil {
		if err := n.cacheDB.Close(); err != nil {
			n.logger.Warn().Err(err).Msg("close restore cache failed")
		}
	}
}

// Height returns the indexed tip height, or -1 before the first block.
func (n *Node) Height() int64 {
	return n.network.Index().LastHeight()
}

// TipHash returns the indexed tip hash, "" before the first block.
func (n *Node) TipHash() string {
	return n.network.LastBlockHash()
}

// HTTPAddr returns the bound HTTP transport address, "" when disabled.
func (n *Node) HTTPAddr() string {
	if n.httpSrv == nil {
		return ""
	}
	return n.httpSrv.Addr()
}
