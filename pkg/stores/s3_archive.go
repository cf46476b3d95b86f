package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/openfroyo/cascade/pkg/engine"
)

// objectAPI is the subset of the S3 client used by the archive.
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// ArchiveConfig configures an S3 report archive.
type ArchiveConfig struct {
	Bucket string
	Prefix string
	Region string

	// Endpoint targets an S3-compatible service instead of AWS.
	Endpoint  string
	PathStyle bool

	Logger zerolog.Logger
}

// S3Archive stores run reports as JSON objects:
//
//	<prefix>/reports/<run-id>.json
//	<prefix>/latest.json
type S3Archive struct {
	client objectAPI
	bucket string
	prefix string
	logger zerolog.Logger
}

var _ engine.ReportSink = (*S3Archive)(nil)

// NewS3Archive creates an archive using the default AWS credential chain.
func NewS3Archive(ctx context.Context, cfg ArchiveConfig) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return newS3Archive(client, cfg), nil
}

func newS3Archive(client objectAPI, cfg ArchiveConfig) *S3Archive {
	return &S3Archive{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: cfg.Logger.With().Str("component", "report-archive").Str("bucket", cfg.Bucket).Logger(),
	}
}

func (a *S3Archive) key(parts ...string) string {
	return path.Join(append([]string{a.prefix}, parts...)...)
}

// SaveReport uploads the report and points latest.json at it.
func (a *S3Archive) SaveReport(ctx context.Context, report *engine.RunReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	for _, key := range []string{a.key("reports", report.RunID+".json"), a.key("latest.json")} {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
			Metadata: map[string]string{
				"run-id": report.RunID,
				"state":  string(report.State),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
	}

	a.logger.Debug().Str("run_id", report.RunID).Msg("Report archived")
	return nil
}

// GetReport downloads the report of a run.
func (a *S3Archive) GetReport(ctx context.Context, runID string) (*engine.RunReport, error) {
	return a.get(ctx, a.key("reports", runID+".json"))
}

// Latest downloads the most recently archived report.
func (a *S3Archive) Latest(ctx context.Context) (*engine.RunReport, error) {
	return a.get(ctx, a.key("latest.json"))
}

func (a *S3Archive) get(ctx context.Context, key string) (*engine.RunReport, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	report := &engine.RunReport{}
	if err := json.Unmarshal(data, report); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return report, nil
}

// ListRunIDs returns the IDs of every archived run, sorted.
func (a *S3Archive) ListRunIDs(ctx context.Context) ([]string, error) {
	prefix := a.key("reports") + "/"
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})

	var ids []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list reports: %w", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if id, ok := strings.CutSuffix(name, ".json"); ok && !strings.Contains(id, "/") {
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	// S3-compatible services do not always return the typed error
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}
