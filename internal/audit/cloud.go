package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"

	"github.com/takashabe/smart-web-search-mcp/internal/retry"
)

const writeTimeout = 30 * time.Second

// CloudRecorder writes audit entries to Google Cloud Logging.
type CloudRecorder struct {
	client    *logging.Client
	projectID string
	backoff   *retry.Backoff
	wg        sync.WaitGroup

	// write delivers one entry; NewCloudRecorder binds (*logging.Logger).LogSync.
	write func(ctx context.Context, e logging.Entry) error
}

// NewCloudRecorder connects to Cloud Logging for projectID.
func NewCloudRecorder(ctx context.Context, projectID, logID, credentialsFile string, backoff *retry.Backoff) (*CloudRecorder, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := logging.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create cloud logging client: %w", err)
	}
	client.OnError = func(err error) {
		log.Error().Err(err).Str("project_id", projectID).Msg("cloud logging error")
	}

	if backoff == nil {
		backoff = retry.NewBackoff(3, 500*time.Millisecond, 5*time.Second)
	}

	logger := client.Logger(logID, logging.CommonLabels(map[string]string{"component": "smart_web_search"}))
	return &CloudRecorder{
		client:    client,
		projectID: projectID,
		backoff:   backoff,
		write:     logger.LogSync,
	}, nil
}

// Record writes the entry in the background; Close waits for pending writes.
func (r *CloudRecorder) Record(ctx context.Context, e Entry) {
	entry := newLogEntry(e, time.Now())
	logger := zerolog.Ctx(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		defer cancel()

		err := r.backoff.Do(writeCtx, "cloud_logging.write", func(ctx context.Context) error {
			return r.write(ctx, entry)
		})
		if err != nil {
			logger.Error().Err(err).Str("project_id", r.projectID).Msg("failed to write audit entry")
		}
	}()
}

func (r *CloudRecorder) Close() error {
	r.wg.Wait()
	return r.client.Close()
}

func newLogEntry(e Entry, at time.Time) logging.Entry {
	return logging.Entry{
		Timestamp: at,
		Severity:  severity(e.Status),
		Payload:   e.payload(),
		Labels:    map[string]string{"tool": e.Tool, "status": e.Status},
	}
}

func severity(status string) logging.Severity {
	switch status {
	case StatusSuccess:
		return logging.Info
	case StatusInvalid:
		return logging.Warning
	default:
		return logging.Error
	}
}
