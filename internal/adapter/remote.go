package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/syncstore/syncstore/internal/circuit"
	"github.com/syncstore/syncstore/internal/config"
	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/retry"
	"github.com/syncstore/syncstore/pkg/types"
)

// S3 user metadata keys for the item envelope. S3 lowercases metadata keys,
// so these stay lowercase.
const (
	metaTimestamp  = "ss-timestamp"
	metaVersion    = "ss-version"
	metaChecksum   = "ss-checksum"
	metaCompressed = "ss-compressed"
	metaEncrypted  = "ss-encrypted"
)

// deleteBatchSize is the DeleteObjects API limit.
const deleteBatchSize = 1000

// RemoteAdapter stores items as S3 objects under a configured key prefix.
// Item metadata rides in S3 user metadata so GetMetadata is a HeadObject
// away. Every call goes through a circuit breaker; when the breaker is open
// callers get an adapter-unavailable error immediately and can fall through
// to a local backend.
type RemoteAdapter struct {
	client  *s3.Client
	bucket  string
	prefix  string
	breaker *circuit.Breaker
	retryer *retry.Retryer
	logger  *zap.Logger

	statsMu sync.Mutex
	stats   types.AdapterStats
}

// NewRemoteAdapter builds the S3 client from the adapter config. Static
// credentials from the config win over the default credential chain.
func NewRemoteAdapter(ctx context.Context, cfg config.RemoteConfig, retryCfg retry.Config, logger *zap.Logger) (*RemoteAdapter, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "remote adapter requires a bucket")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "load aws config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	a := &RemoteAdapter{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		retryer: retry.New(retryCfg),
		logger:  logger.With(zap.String("adapter", "remote"), zap.String("bucket", cfg.Bucket)),
	}

	if cfg.CircuitBreaker.Enabled {
		a.breaker = circuit.NewBreaker("remote", circuit.Config{
			FailureThreshold: int(cfg.CircuitBreaker.FailureThreshold),
			Timeout:          cfg.CircuitBreaker.Timeout,
			OnStateChange: func(name string, from, to circuit.State) {
				a.logger.Warn("circuit breaker state change",
					zap.String("breaker", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to))
			},
		})
	}

	return a, nil
}

// Name implements Adapter.
func (a *RemoteAdapter) Name() string { return "remote" }

func (a *RemoteAdapter) objectKey(key string) string {
	return a.prefix + key
}

// guard runs fn through the circuit breaker when one is configured.
// Not-found results do not count against the breaker.
func (a *RemoteAdapter) guard(fn func() error) error {
	if a.breaker == nil {
		return fn()
	}
	var keep error
	err := a.breaker.Execute(func() error {
		keep = fn()
		if errors.IsCode(keep, errors.ErrCodeKeyNotFound) {
			return nil
		}
		return keep
	})
	if keep != nil {
		return keep
	}
	return err
}

func isNotFound(err error) bool {
	var noKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	return stderrors.As(err, &noKey) || stderrors.As(err, &notFound)
}

func (a *RemoteAdapter) translateError(op, key string, err error) error {
	if isNotFound(err) {
		return errors.Newf(errors.ErrCodeKeyNotFound, "key %q not found", key).WithComponent("remote")
	}
	msg := err.Error()
	if strings.Contains(msg, "context deadline exceeded") {
		return errors.Wrap(errors.ErrCodeConnectionTimeout, op, err).WithComponent("remote")
	}
	return errors.Wrap(errors.ErrCodeNetworkError, fmt.Sprintf("%s %q", op, key), err).WithComponent("remote")
}

func metadataToS3(meta types.ItemMetadata) map[string]string {
	return map[string]string{
		metaTimestamp:  strconv.FormatInt(meta.Timestamp.UnixMilli(), 10),
		metaVersion:    meta.Version,
		metaChecksum:   meta.Checksum,
		metaCompressed: strconv.FormatBool(meta.Compressed),
		metaEncrypted:  strconv.FormatBool(meta.Encrypted),
	}
}

func metadataFromS3(m map[string]string, size int64) types.ItemMetadata {
	meta := types.ItemMetadata{Size: size}
	if v, ok := m[metaTimestamp]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			meta.Timestamp = time.UnixMilli(ms)
		}
	}
	meta.Version = m[metaVersion]
	meta.Checksum = m[metaChecksum]
	meta.Compressed = m[metaCompressed] == "true"
	meta.Encrypted = m[metaEncrypted] == "true"
	return meta
}

// Get implements Adapter.
func (a *RemoteAdapter) Get(ctx context.Context, key string) (*types.StorageItem, error) {
	var item *types.StorageItem

	err := a.guard(func() error {
		return a.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(a.bucket),
				Key:    aws.String(a.objectKey(key)),
			})
			if err != nil {
				return a.translateError("get", key, err)
			}
			defer func() { _ = out.Body.Close() }()

			body, err := io.ReadAll(out.Body)
			if err != nil {
				return errors.Wrap(errors.ErrCodeNetworkError, "read object body", err).WithComponent("remote")
			}

			meta := metadataFromS3(out.Metadata, int64(len(body)))
			if !VerifyChecksum(body, meta.Checksum) {
				return errors.Newf(errors.ErrCodeChecksumMismatch, "checksum mismatch for %q", key).WithComponent("remote")
			}

			item = &types.StorageItem{Value: json.RawMessage(body), Metadata: meta}
			return nil
		})
	})
	if err != nil {
		if !errors.IsCode(err, errors.ErrCodeKeyNotFound) {
			a.recordError()
		}
		return nil, err
	}

	a.recordGet()
	return item, nil
}

// Set implements Adapter.
func (a *RemoteAdapter) Set(ctx context.Context, key string, value json.RawMessage, override *types.ItemMetadata) (*types.ItemMetadata, error) {
	meta := ComputeMetadata(value, override)

	err := a.guard(func() error {
		return a.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        aws.String(a.bucket),
				Key:           aws.String(a.objectKey(key)),
				Body:          bytes.NewReader(value),
				ContentLength: aws.Int64(int64(len(value))),
				ContentType:   aws.String("application/json"),
				Metadata:      metadataToS3(meta),
			})
			if err != nil {
				return a.translateError("put", key, err)
			}
			return nil
		})
	})
	if err != nil {
		a.recordError()
		return nil, err
	}

	a.recordSet()
	return &meta, nil
}

// Delete implements Adapter. S3 deletes are idempotent, absent keys succeed.
func (a *RemoteAdapter) Delete(ctx context.Context, key string) error {
	err := a.guard(func() error {
		return a.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(a.bucket),
				Key:    aws.String(a.objectKey(key)),
			})
			if err != nil {
				return a.translateError("delete", key, err)
			}
			return nil
		})
	})
	if err != nil {
		a.recordError()
		return err
	}

	a.recordDelete()
	return nil
}

// Exists implements Adapter.
func (a *RemoteAdapter) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	err := a.guard(func() error {
		_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(a.objectKey(key)),
		})
		if err != nil {
			if isNotFound(err) {
				found = false
				return nil
			}
			return a.translateError("head", key, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// Clear implements Adapter. Only objects under the configured prefix are
// removed.
func (a *RemoteAdapter) Clear(ctx context.Context) error {
	keys, err := a.ListKeys(ctx, "")
	if err != nil {
		return err
	}
	return a.DeleteMultiple(ctx, keys)
}

// GetMultiple implements Adapter. Missing keys are omitted.
func (a *RemoteAdapter) GetMultiple(ctx context.Context, keys []string) (map[string]*types.StorageItem, error) {
	result := make(map[string]*types.StorageItem, len(keys))
	for _, key := range keys {
		item, err := a.Get(ctx, key)
		if err != nil {
			if errors.IsCode(err, errors.ErrCodeKeyNotFound) {
				continue
			}
			return nil, err
		}
		result[key] = item
	}
	return result, nil
}

// SetMultiple implements Adapter. S3 has no batch put, writes go one by one
// and the first failure aborts.
func (a *RemoteAdapter) SetMultiple(ctx context.Context, values map[string]json.RawMessage) error {
	for key, value := range values {
		if _, err := a.Set(ctx, key, value, nil); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMultiple implements Adapter using the DeleteObjects batch API.
func (a *RemoteAdapter) DeleteMultiple(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		objects := make([]s3types.ObjectIdentifier, 0, len(batch))
		for _, key := range batch {
			objects = append(objects, s3types.ObjectIdentifier{Key: aws.String(a.objectKey(key))})
		}

		err := a.guard(func() error {
			return a.retryer.DoWithContext(ctx, func(ctx context.Context) error {
				out, err := a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
					Bucket: aws.String(a.bucket),
					Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
				})
				if err != nil {
					return a.translateError("delete-batch", "", err)
				}
				if len(out.Errors) > 0 {
					first := out.Errors[0]
					return errors.Newf(errors.ErrCodeStorageWrite, "batch delete failed for %q: %s",
						aws.ToString(first.Key), aws.ToString(first.Message)).WithComponent("remote")
				}
				return nil
			})
		})
		if err != nil {
			a.recordError()
			return err
		}
	}

	a.statsMu.Lock()
	a.stats.Deletes += int64(len(keys))
	a.stats.LastUsed = time.Now()
	a.statsMu.Unlock()
	return nil
}

// GetMetadata implements Adapter via HeadObject, no body transfer.
func (a *RemoteAdapter) GetMetadata(ctx context.Context, key string) (*types.ItemMetadata, error) {
	var meta types.ItemMetadata
	err := a.guard(func() error {
		out, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(a.objectKey(key)),
		})
		if err != nil {
			return a.translateError("head", key, err)
		}
		meta = metadataFromS3(out.Metadata, aws.ToInt64(out.ContentLength))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// ListKeys implements Adapter with ListObjectsV2 pagination. Returned keys
// have the adapter prefix stripped.
func (a *RemoteAdapter) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := a.guard(func() error {
		paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(a.bucket),
			Prefix: aws.String(a.prefix + prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return a.translateError("list", prefix, err)
			}
			for _, obj := range page.Contents {
				keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), a.prefix))
			}
		}
		return nil
	})
	if err != nil {
		a.recordError()
		return nil, err
	}
	return keys, nil
}

// Size implements Adapter, summing object sizes under the prefix.
func (a *RemoteAdapter) Size(ctx context.Context) (int64, error) {
	var total int64
	err := a.guard(func() error {
		paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(a.bucket),
			Prefix: aws.String(a.prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return a.translateError("list", "", err)
			}
			for _, obj := range page.Contents {
				total += aws.ToInt64(obj.Size)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// HealthCheck implements Adapter with a HeadBucket probe.
func (a *RemoteAdapter) HealthCheck(ctx context.Context) (*types.HealthStatus, error) {
	start := time.Now()
	status := &types.HealthStatus{CheckedAt: start, AvailableSpace: -1}

	if a.breaker != nil && a.breaker.State() == circuit.StateOpen {
		status.Message = "circuit breaker open"
		return status, nil
	}

	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	if err != nil {
		status.Message = err.Error()
		return status, nil
	}

	status.Healthy = true
	status.Latency = time.Since(start)

	a.statsMu.Lock()
	total := a.stats.Gets + a.stats.Sets + a.stats.Deletes + a.stats.Errors
	if total > 0 {
		status.ErrorRate = float64(a.stats.Errors) / float64(total)
	}
	a.statsMu.Unlock()

	return status, nil
}

// Stats implements Adapter.
func (a *RemoteAdapter) Stats() types.AdapterStats {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	return a.stats
}

// Close implements Adapter. The S3 client holds no local resources.
func (a *RemoteAdapter) Close() error { return nil }

// BreakerState exposes the circuit state for health reporting. Returns
// closed when no breaker is configured.
func (a *RemoteAdapter) BreakerState() circuit.State {
	if a.breaker == nil {
		return circuit.StateClosed
	}
	return a.breaker.State()
}

func (a *RemoteAdapter) recordGet() {
	a.statsMu.Lock()
	a.stats.Gets++
	a.stats.LastUsed = time.Now()
	a.statsMu.Unlock()
}

func (a *RemoteAdapter) recordSet() {
	a.statsMu.Lock()
	a.stats.Sets++
	a.stats.LastUsed = time.Now()
	a.statsMu.Unlock()
}

func (a *RemoteAdapter) recordDelete() {
	a.statsMu.Lock()
	a.stats.Deletes++
	a.stats.LastUsed = time.Now()
	a.statsMu.Unlock()
}

func (a *RemoteAdapter) recordError() {
	a.statsMu.Lock()
	a.stats.Errors++
	a.statsMu.Unlock()
}
