package registry

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/litestream"
	lss3 "github.com/benbjohnson/litestream/s3"
)

// Replicator streams the registry database to S3 with litestream. The
// registry is the only authoritative state the request plane owns; losing
// it strands every cached tenant record at its TTL.
type Replicator struct {
	dbPath     string
	replicaURL string

	db      *litestream.DB
	replica *litestream.Replica
	cancel  context.CancelFunc

	logger *log.Logger
}

// NewReplicator creates a replicator for the registry database. replicaURL
// has the form s3://bucket/path; credentials come from the environment.
func NewReplicator(dbPath, replicaURL string) *Replicator {
	return &Replicator{
		dbPath:     dbPath,
		replicaURL: replicaURL,
		logger:     log.Default(),
	}
}

// Start begins background replication
func (r *Replicator) Start(ctx context.Context) error {
	bucket, path, err := parseReplicaURL(r.replicaURL)
	if err != nil {
		return err
	}

	r.logger.Printf("[Replicator] Starting registry replication to s3://%s/%s", bucket, path)

	db := litestream.NewDB(r.dbPath)
	db.MinCheckpointPageN = 1000
	db.MaxCheckpointPageN = 10000
	db.CheckpointInterval = 1 * time.Minute
	db.MonitorInterval = 1 * time.Second
	db.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	client := lss3.NewReplicaClient()
	client.Bucket = bucket
	client.Path = path
	if err := client.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize replica client: %w", err)
	}

	replica := litestream.NewReplicaWithClient(db, client)
	replica.SyncInterval = 10 * time.Second
	replica.MonitorEnabled = true
	db.Replica = replica

	if err := db.Open(); err != nil {
		return fmt.Errorf("failed to open litestream db: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	go func() {
		if err := replica.Start(runCtx); err != nil && runCtx.Err() == nil {
			r.logger.Printf("[Replicator] Replica error: %v", err)
		}
	}()

	r.db = db
	r.replica = replica
	return nil
}

// Stop performs a final sync and closes the replication handles
func (r *Replicator) Stop() error {
	if r.db == nil {
		return nil
	}

	if err := r.replica.Stop(false); err != nil {
		r.logger.Printf("[Replicator] Error stopping replica: %v", err)
	}
	if r.cancel != nil {
		r.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.replica.Sync(ctx); err != nil {
		r.logger.Printf("[Replicator] Error during final sync: %v", err)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	return r.db.Close(closeCtx)
}

// Restore recovers the registry database from its replica into destPath.
// A replica with no snapshots yields an empty database.
func (r *Replicator) Restore(ctx context.Context, destPath string) error {
	bucket, path, err := parseReplicaURL(r.replicaURL)
	if err != nil {
		return err
	}

	client := lss3.NewReplicaClient()
	client.Bucket = bucket
	client.Path = path
	if err := client.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize replica client: %w", err)
	}

	db := litestream.NewDB(destPath)
	replica := litestream.NewReplicaWithClient(db, client)

	opt := litestream.NewRestoreOptions()
	opt.Timestamp = time.Now()
	opt.Parallelism = 4

	if err := replica.Restore(ctx, opt); err != nil {
		if err == litestream.ErrNoSnapshots {
			r.logger.Printf("[Replicator] No snapshots at s3://%s/%s (fresh registry)", bucket, path)
			_, err := os.Create(destPath)
			return err
		}
		return fmt.Errorf("failed to restore registry: %w", err)
	}

	r.logger.Printf("[Replicator] Restored registry from s3://%s/%s", bucket, path)
	return nil
}

func parseReplicaURL(raw string) (bucket, path string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid replica URL %q: %w", raw, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("replica URL %q must have the form s3://bucket/path", raw)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}
