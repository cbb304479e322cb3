package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/agentplane/agentplane/core/requestplane"
)

// archiveBatchSize bounds the messages exported per stream per cycle
const archiveBatchSize = 512

// Archiver exports aged audit and dead-letter envelopes to S3 as JSON
// lines, then removes them from their stream. Upload failures trip a
// circuit breaker and leave the messages in place for the next cycle.
type Archiver struct {
	config requestplane.ArchiveConfig
	bus    *Bus

	client  *s3.Client
	breaker *requestplane.CircuitBreaker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewArchiver creates the S3 archiver
func NewArchiver(ctx context.Context, cfg requestplane.ArchiveConfig, b *Bus) (*Archiver, error) {
	var awsCfg aws.Config
	var err error

	if cfg.S3AccessKeyID != "" && cfg.S3SecretKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.S3Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.S3AccessKeyID,
				cfg.S3SecretKey,
				"",
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.S3Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var client *s3.Client
	if cfg.S3Endpoint != "" {
		// Custom endpoint (e.g., MinIO, LocalStack)
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	return &Archiver{
		config: cfg,
		bus:    b,
		client: client,
		breaker: requestplane.NewCircuitBreaker(requestplane.CircuitBreakerConfig{
			Name: "s3-archive",
		}),
		ctx:    runCtx,
		cancel: cancel,
		logger: log.Default(),
	}, nil
}

// Start begins the archive loop
func (a *Archiver) Start() {
	a.logger.Printf("[Archiver] Starting S3 archiver (bucket %s, every %s)",
		a.config.S3Bucket, a.config.Interval)

	a.wg.Add(1)
	go a.run()
}

// Stop stops the archiver
func (a *Archiver) Stop() {
	a.cancel()
	a.wg.Wait()
}

func (a *Archiver) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.archiveAll()
		}
	}
}

// archiveAll exports every archivable stream: the audit log and all DLQs
func (a *Archiver) archiveAll() {
	a.archiveStream(KindAuditLog)
	for _, kind := range StreamKinds {
		a.archiveStream(DLQName(kind))
	}
}

func (a *Archiver) archiveStream(streamName string) {
	stream, ok := a.bus.Stream(streamName)
	if !ok {
		return
	}

	msgs, err := stream.Messages(archiveBatchSize)
	if err != nil {
		a.logger.Printf("[Archiver] Failed to read %s: %v", streamName, err)
		return
	}

	cutoff := time.Now().Add(-a.config.ArchiveAfterAge)
	var aged []*storedMessage
	for _, m := range msgs {
		if m.AppendedAt.Before(cutoff) {
			aged = append(aged, m)
		}
	}
	if len(aged) == 0 {
		return
	}

	var buf bytes.Buffer
	for _, m := range aged {
		line, err := json.Marshal(m.Envelope)
		if err != nil {
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	key := fmt.Sprintf("archive/%s/%s.jsonl", streamName, time.Now().UTC().Format("2006-01-02T15-04-05"))

	err = a.breaker.Execute(a.ctx, func(ctx context.Context) error {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(a.config.S3Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(buf.Bytes()),
		})
		return err
	})
	if err != nil {
		a.logger.Printf("[Archiver] Upload failed for %s: %v", streamName, err)
		return
	}

	// Only remove what was durably uploaded
	for _, m := range aged {
		if err := stream.Ack(m.Seq); err != nil {
			a.logger.Printf("[Archiver] Failed to remove archived message %d from %s: %v",
				m.Seq, streamName, err)
		}
	}

	a.logger.Printf("[Archiver] Archived %d envelopes from %s to s3://%s/%s",
		len(aged), streamName, a.config.S3Bucket, key)
}
