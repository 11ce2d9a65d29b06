package report

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// GCSClient abstracts the top-level GCS client so the reporter can be tested without one.
type GCSClient interface {
	Bucket(name string) GCSBucketHandle
}

// GCSBucketHandle abstracts a GCS bucket.
type GCSBucketHandle interface {
	Object(name string) GCSObjectHandle
}

// GCSObjectHandle abstracts a GCS object.
type GCSObjectHandle interface {
	NewWriter(ctx context.Context) io.WriteCloser
}

type gcsClientAdapter struct {
	client *storage.Client
}

// NewGCSClientAdapter makes a *storage.Client conform to GCSClient.
func NewGCSClientAdapter(client *storage.Client) GCSClient {
	if client == nil {
		return nil
	}
	return &gcsClientAdapter{client: client}
}

func (a *gcsClientAdapter) Bucket(name string) GCSBucketHandle {
	return &gcsBucketHandleAdapter{handle: a.client.Bucket(name)}
}

type gcsBucketHandleAdapter struct {
	handle *storage.BucketHandle
}

func (a *gcsBucketHandleAdapter) Object(name string) GCSObjectHandle {
	return &gcsObjectHandleAdapter{handle: a.handle.Object(name)}
}

type gcsObjectHandleAdapter struct {
	handle *storage.ObjectHandle
}

func (a *gcsObjectHandleAdapter) NewWriter(ctx context.Context) io.WriteCloser {
	w := a.handle.NewWriter(ctx)
	w.ContentType = "application/gzip"
	return w
}

// GCSReporterConfig holds the destination of archived reports.
type GCSReporterConfig struct {
	BucketName   string `yaml:"bucket_name" validate:"required"`
	ObjectPrefix string `yaml:"object_prefix"`
}

// GCSReporter archives each report as a gzipped JSON object named
// <prefix>/yyyy/mm/dd/<run id>.json.gz after the run's start date.
type GCSReporter struct {
	client GCSClient
	config GCSReporterConfig
	logger zerolog.Logger
}

func NewGCSReporter(client GCSClient, cfg GCSReporterConfig, logger zerolog.Logger) (*GCSReporter, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if cfg.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSReporter{
		client: client,
		config: cfg,
		logger: logger.With().Str("component", "GCSReporter").Str("bucket", cfg.BucketName).Logger(),
	}, nil
}

// ObjectName returns where the report of a run is stored.
func (g *GCSReporter) ObjectName(rep Report) string {
	return path.Join(g.config.ObjectPrefix, rep.StartedAt.UTC().Format("2006/01/02"), rep.RunID+".json.gz")
}

func (g *GCSReporter) Report(ctx context.Context, rep Report) (err error) {
	name := g.ObjectName(rep)
	w := g.client.Bucket(g.config.BucketName).Object(name).NewWriter(ctx)
	defer func() {
		// The object is only committed by a successful Close.
		if closeErr := w.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to finalize GCS object %s: %w", name, closeErr)
		}
		if err == nil {
			g.logger.Debug().Str("object", name).Msg("Run report archived.")
		}
	}()

	gz := gzip.NewWriter(w)
	if err := json.NewEncoder(gz).Encode(rep); err != nil {
		return fmt.Errorf("failed to encode report %s: %w", rep.RunID, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to compress report %s: %w", rep.RunID, err)
	}
	return nil
}
