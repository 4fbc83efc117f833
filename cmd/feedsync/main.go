package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/rnr-capital/feedsync/ingest"
	"github.com/rnr-capital/feedsync/kvstore"
	"github.com/rnr-capital/feedsync/mediacache"
	"github.com/rnr-capital/feedsync/store"
	"github.com/rnr-capital/feedsync/subscription"
	"github.com/rnr-capital/feedsync/syncer"
	"github.com/rnr-capital/feedsync/timeline"
	"github.com/rnr-capital/feedsync/transport"
	"github.com/rnr-capital/feedsync/utils"
	"github.com/rnr-capital/feedsync/utils/dotenv"
	. "github.com/rnr-capital/feedsync/utils/flag"
	. "github.com/rnr-capital/feedsync/utils/log"
)

func getEnv(key string, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func newKVStore() kvstore.Store {
	addr := os.Getenv("FEEDSYNC_REDIS_ADDR")
	if addr == "" {
		LogV2.Info("no redis configured, snapshots are in-memory only")
		return kvstore.NewMemoryStore()
	}
	return kvstore.NewRedisStore(addr, os.Getenv("FEEDSYNC_REDIS_PASSWORD"), 0)
}

func newStatsdClient() *statsd.Client {
	if !utils.IsProdEnv() {
		return nil
	}
	client, err := statsd.New(getEnv("FEEDSYNC_STATSD_ADDR", "127.0.0.1:8125"))
	if err != nil {
		LogV2.Errorf("cannot initialize statsd:", err)
		return nil
	}
	return client
}

// warmThumbnails prefetches thumbnails of the visible timeline so scrolling
// the first screen never waits on the network. Cache hits are skipped, and
// any failure just leaves that thumbnail for on-demand fetch later.
func warmThumbnails(ctx context.Context, posts *store.PostStore, cache *mediacache.BlobCache, downloader *mediacache.Downloader, persister *mediacache.Persister) {
	for _, post := range posts.VisiblePosts() {
		if ctx.Err() != nil {
			return
		}
		if post.Media == nil || post.Media.ThumbnailRef == "" {
			continue
		}
		key := mediacache.CacheKey{SourceId: post.SourceId, ItemId: post.ItemId, Variant: "thumbnail"}
		if _, ok := cache.Get(key); ok {
			continue
		}
		data, err := downloader.Fetch(ctx, mediacache.ClassMedia, post.Media.ThumbnailRef, nil)
		if err != nil {
			LogV2.Debug(fmt.Sprintf("thumbnail prefetch %s failed: %v", key, err))
			continue
		}
		cache.Set(key, mediacache.NewBlob(data))
		persister.Enqueue(key, data)
	}
}

func main() {
	ParseFlags()
	if err := dotenv.LoadDotEnvs(); err != nil {
		LogV2.Info("no .env file found, relying on environment")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	gateway := transport.NewGatewayClient(getEnv("FEEDSYNC_GATEWAY_URL", "wss://localhost:8443/ws"), bus)
	if err := gateway.Connect(ctx); err != nil {
		LogV2.Errorf("cannot connect to gateway:", err)
		os.Exit(1)
	}

	kv := newKVStore()
	posts := store.NewPostStore()
	channels := store.NewChannelStore()

	pipeline := ingest.NewPipeline(posts, channels, bus, newStatsdClient())
	if err := pipeline.Start(ctx); err != nil {
		LogV2.Errorf("cannot start ingestion pipeline:", err)
		os.Exit(1)
	}

	manager := subscription.NewManager(gateway, subscription.MaxOpenSubscriptions, channels.SortedByActivity)
	assembler := timeline.NewAssembler(posts)

	blobCache, err := mediacache.NewBlobCache(mediacache.BlobCacheCapacity)
	if err != nil {
		LogV2.Errorf("cannot create blob cache:", err)
		os.Exit(1)
	}
	persister := mediacache.NewPersister(kv)
	if restored, err := persister.Restore(ctx, blobCache); err == nil {
		LogV2.Info(fmt.Sprintf("restored %d cached blobs", restored))
	}
	downloader := mediacache.NewDownloader(gateway)

	engine := syncer.NewSyncer(gateway, posts, channels, kv, pipeline)
	if restored, err := engine.RestoreSnapshot(ctx); err == nil {
		LogV2.Info(fmt.Sprintf("restored %d posts from snapshot", restored))
	}
	if err := engine.BulkLoad(ctx); err != nil {
		LogV2.Errorf("initial bulk load failed:", err)
	}
	manager.Rebalance(ctx, channels.SortedByActivity())

	go warmThumbnails(ctx, posts, blobCache, downloader, persister)

	LogV2.Info(fmt.Sprintf("feedsync running, %d sources, %d visible posts", channels.Len(), len(assembler.Timeline())))

	// The unload path: flush every debounced writer before exiting.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	LogV2.Info("shutting down")

	manager.CloseAll(ctx)
	pipeline.Stop()
	if err := persister.Flush(ctx); err != nil {
		LogV2.Errorf("final blob flush failed:", err)
	}
	if err := engine.Close(ctx); err != nil {
		LogV2.Errorf("final snapshot failed:", err)
	}
	_ = gateway.Close()
}
