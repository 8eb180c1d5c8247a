package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/hermes-sync/internal/mirror"
	"github.com/example/hermes-sync/internal/types"
)

const defaultInterval = 15 * time.Second

// ErrNotFound is returned by Objects when a key does not exist.
var ErrNotFound = errors.New("snapshot not found")

var snapshotsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "snapshot",
	Name:      "writes_total",
	Help:      "Mirror snapshots written by collection and result.",
}, []string{"collection", "result"})

func init() {
	prometheus.MustRegister(snapshotsWritten)
}

// Payload is the persisted form of one mirrored collection.
type Payload struct {
	Collection types.CollectionID `json:"collection"`
	Changes    uint64             `json:"changes"`
	Documents  []types.Document   `json:"documents"`
	CreatedAt  time.Time          `json:"created_at"`
}

// Objects is the object storage the worker writes to.
type Objects interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Key returns the object key holding a collection's latest snapshot.
func Key(collection types.CollectionID) string {
	return fmt.Sprintf("snapshots/%s/latest.json", collection)
}

// Worker periodically writes changed collections of the mirror to object
// storage so a restart can warm the mirror before the change feeds connect.
// Documents with a pending optimistic write are left out.
type Worker struct {
	mirror   *mirror.Mirror
	objects  Objects
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	written map[types.CollectionID]uint64
}

// NewWorker constructs a snapshot worker.
func NewWorker(m *mirror.Mirror, objects Objects, interval time.Duration, logger zerolog.Logger) *Worker {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Worker{
		mirror:   m,
		objects:  objects,
		interval: interval,
		logger:   logger.With().Str("component", "snapshot").Logger(),
		written:  make(map[types.CollectionID]uint64),
	}
}

// Run writes snapshots on every interval until ctx is done, then makes a
// final pass.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			w.RunOnce(final)
			cancel()
			return nil
		}
	}
}

// RunOnce snapshots every collection that changed since its last snapshot.
func (w *Worker) RunOnce(ctx context.Context) {
	for _, coll := range w.mirror.Collections() {
		if err := w.processCollection(ctx, coll); err != nil {
			w.logger.Error().Err(err).Str("collection", string(coll)).Msg("snapshot emission failed")
		}
	}
}

func (w *Worker) processCollection(ctx context.Context, coll types.CollectionID) error {
	if w.objects == nil {
		return fmt.Errorf("object storage not configured")
	}

	changes := w.mirror.Changes(coll)
	w.mu.Lock()
	last, seen := w.written[coll]
	w.mu.Unlock()
	if seen && last == changes {
		return nil
	}

	docs := w.mirror.Export(coll)
	confirmed := docs[:0]
	for _, doc := range docs {
		if doc.Generation != types.GenerationPending {
			confirmed = append(confirmed, doc)
		}
	}

	data, err := json.Marshal(Payload{Collection: coll, Changes: changes, Documents: confirmed, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode snapshot payload: %w", err)
	}
	if err := w.objects.Put(ctx, Key(coll), data); err != nil {
		snapshotsWritten.WithLabelValues(string(coll), "error").Inc()
		return fmt.Errorf("upload snapshot: %w", err)
	}
	snapshotsWritten.WithLabelValues(string(coll), "ok").Inc()

	w.mu.Lock()
	w.written[coll] = changes
	w.mu.Unlock()

	w.logger.Debug().Str("collection", string(coll)).Int("documents", len(confirmed)).Msg("snapshot created")
	return nil
}

// Restore seeds the mirror from the latest snapshot of each collection and
// returns how many documents were restored. Missing snapshots are skipped.
func Restore(ctx context.Context, m *mirror.Mirror, objects Objects, collections []types.CollectionID) (int, error) {
	total := 0
	for _, coll := range collections {
		data, err := objects.Get(ctx, Key(coll))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return total, fmt.Errorf("fetch snapshot %s: %w", coll, err)
		}
		payload, err := DecodePayload(data)
		if err != nil {
			return total, fmt.Errorf("decode snapshot %s: %w", coll, err)
		}
		total += m.Restore(coll, payload.Documents)
	}
	return total, nil
}

// DecodePayload unmarshals a snapshot payload.
func DecodePayload(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}

// MinioObjects stores snapshots in a MinIO or S3 compatible bucket.
type MinioObjects struct {
	client *minio.Client
	bucket string
}

// NewMinioObjects wraps client.
func NewMinioObjects(client *minio.Client, bucket string) *MinioObjects {
	return &MinioObjects{client: client, bucket: bucket}
}

// EnsureBucket creates the bucket if it is missing.
func (o *MinioObjects) EnsureBucket(ctx context.Context) error {
	exists, err := o.client.BucketExists(ctx, o.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := o.client.MakeBucket(ctx, o.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// Put implements Objects.
func (o *MinioObjects) Put(ctx context.Context, key string, data []byte) error {
	_, err := o.client.PutObject(ctx, o.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

// Get implements Objects.
func (o *MinioObjects) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := o.client.GetObject(ctx, o.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// MemoryObjects keeps snapshots in memory.
type MemoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryObjects constructs an empty store.
func NewMemoryObjects() *MemoryObjects {
	return &MemoryObjects{objects: make(map[string][]byte)}
}

// Put implements Objects.
func (o *MemoryObjects) Put(_ context.Context, key string, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = append([]byte(nil), data...)
	return nil
}

// Get implements Objects.
func (o *MemoryObjects) Get(_ context.Context, key string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}
