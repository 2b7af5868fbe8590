package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/loader"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3TextSource loads document text from an S3 bucket. The text of document
// X is stored under <prefix>/X.txt.
//
// This source is useful when extracted document text is stored in S3 or an
// S3-compatible store like MinIO instead of the local filesystem.
type S3TextSource struct {
	bucket string
	prefix string
	client *s3.Client
	cache  *loader.Cache
}

// NewS3TextSourceWithClient creates a new S3TextSource using an existing
// s3.Client.
func NewS3TextSourceWithClient(bucket, prefix string, client *s3.Client) *S3TextSource {
	return &S3TextSource{
		bucket: bucket,
		prefix: prefix,
		client: client,
		cache:  loader.NewCache(),
	}
}

// NewS3TextSourceParams defines the configuration parameters for creating a
// new S3TextSource.
//
// Endpoint allows overriding the S3 endpoint (useful for S3-compatible
// storage like MinIO). AccessKey and SecretKey provide static credentials.
type NewS3TextSourceParams struct {
	Bucket    string
	Prefix    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// NewS3TextSource creates a new S3TextSource with static credentials and
// path-style addressing.
//
// Example:
//
//	src, err := s3.NewS3TextSource(ctx, s3.NewS3TextSourceParams{
//		Bucket:    "kgraph",
//		Prefix:    "documents",
//		Endpoint:  "http://localhost:9000",
//		Region:    "us-east-1",
//		AccessKey: os.Getenv("AWS_ACCESS_KEY"),
//		SecretKey: os.Getenv("AWS_SECRET_KEY"),
//	})
func NewS3TextSource(ctx context.Context, params NewS3TextSourceParams) (*S3TextSource, error) {
	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(params.Region),
		config.WithBaseEndpoint(params.Endpoint),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			params.AccessKey,
			params.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return NewS3TextSourceWithClient(params.Bucket, params.Prefix, client), nil
}

// NewS3TextSourceFromEnv reads AWS_REGION, AWS_ENDPOINT, AWS_ACCESS_KEY,
// AWS_SECRET_KEY, AWS_BUCKET and AWS_PREFIX.
func NewS3TextSourceFromEnv(ctx context.Context) (*S3TextSource, error) {
	return NewS3TextSource(ctx, NewS3TextSourceParams{
		Bucket:    util.GetEnv("AWS_BUCKET"),
		Prefix:    util.GetEnvString("AWS_PREFIX", "documents"),
		Endpoint:  util.GetEnv("AWS_ENDPOINT"),
		Region:    util.GetEnvString("AWS_REGION", "us-east-1"),
		AccessKey: util.GetEnv("AWS_ACCESS_KEY"),
		SecretKey: util.GetEnv("AWS_SECRET_KEY"),
	})
}

// Key returns the object key that holds the text of a document.
func (l *S3TextSource) Key(documentID string) string {
	return path.Join(l.prefix, documentID+".txt")
}

// DocumentText downloads the document text. Results are cached.
func (l *S3TextSource) DocumentText(ctx context.Context, documentID string) ([]byte, error) {
	return l.cache.Get(documentID, func() ([]byte, error) {
		out, err := l.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(l.bucket),
			Key:    aws.String(l.Key(documentID)),
		})
		if err != nil {
			var noKey *types.NoSuchKey
			if errors.As(err, &noKey) {
				return nil, fmt.Errorf("document %s: %w", documentID, common.ErrNotFound)
			}
			return nil, common.Transient("s3_get", fmt.Errorf("failed to get document %s from S3: %w", documentID, err))
		}
		defer out.Body.Close()

		buf := new(bytes.Buffer)
		if _, err := io.Copy(buf, out.Body); err != nil {
			return nil, common.Transient("s3_read", fmt.Errorf("failed to read document %s: %w", documentID, err))
		}
		return buf.Bytes(), nil
	})
}

// PutDocumentText uploads the text of a document and drops any cached copy.
func (l *S3TextSource) PutDocumentText(ctx context.Context, documentID string, text []byte) error {
	_, err := l.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(l.bucket),
		Key:         aws.String(l.Key(documentID)),
		Body:        bytes.NewReader(text),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload document %s to S3: %w", documentID, err)
	}
	l.cache.Forget(documentID)
	return nil
}
