// internal/export/s3.go
// Package export provides S3-compatible storage for remediation payloads.
// A payload is uploaded once and handed out through a presigned download URL.
package export

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"

	"github.com/RegistryAccord/patchview-go/internal/view"
)

// DefaultURLExpiry is how long a presigned download URL stays valid.
const DefaultURLExpiry = 15 * time.Minute

// Result describes an exported payload.
type Result struct {
	Key       string    `json:"key"`       // Object key in the bucket
	URL       string    `json:"url"`       // Presigned GET URL
	Checksum  string    `json:"checksum"`  // SHA-256 of the payload
	ExpiresAt time.Time `json:"expiresAt"` // When URL stops working
}

// Exporter stores remediation payloads.
type Exporter interface {
	// Export uploads r and returns its download location. ok is false when
	// exporting is not configured.
	Export(ctx context.Context, owner, viewID string, r *view.Remediation) (res Result, ok bool, err error)
}

// noop is used when no bucket is configured.
type noop struct{}

// NewNoop returns an exporter that exports nothing.
func NewNoop() Exporter { return noop{} }

func (noop) Export(ctx context.Context, owner, viewID string, r *view.Remediation) (Result, bool, error) {
	return Result{}, false, nil
}

// objectPutter is the subset of *s3.Client used for uploads.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// objectPresigner is the subset of *s3.PresignClient used for downloads.
type objectPresigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Client wraps the AWS S3 client for remediation exports.
type S3Client struct {
	client    objectPutter    // AWS S3 client
	presigner objectPresigner // Presign client derived from the S3 client
	bucket    string          // S3 bucket name for exports
	expiry    time.Duration   // Presigned URL lifetime
	now       func() time.Time
}

// NewS3Client creates a new S3 client for remediation exports.
// It supports both AWS S3 and S3-compatible services like MinIO.
// Parameters:
//   - endpoint: S3 service endpoint URL
//   - region: AWS region (or equivalent for S3-compatible services)
//   - bucket: S3 bucket name for exports
//   - accessKey: Access key for authentication
//   - secretKey: Secret key for authentication
//
// Returns:
//   - *S3Client: Initialized S3 client
//   - error: Any error that occurred during initialization
func NewS3Client(endpoint, region, bucket, accessKey, secretKey string) (*S3Client, error) {
	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true // Required for MinIO and other S3-compatible services
	})

	return newS3Client(client, s3.NewPresignClient(client), bucket), nil
}

func newS3Client(client objectPutter, presigner objectPresigner, bucket string) *S3Client {
	return &S3Client{
		client:    client,
		presigner: presigner,
		bucket:    bucket,
		expiry:    DefaultURLExpiry,
		now:       time.Now,
	}
}

// ObjectKey returns the key a payload exported at t is stored under.
func ObjectKey(owner, viewID string, t time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(t), rand.Reader)
	return fmt.Sprintf("remediations/%s/%s/%s.json", owner, viewID, id)
}

// Export uploads the remediation as JSON and presigns a download URL for it.
// Parameters:
//   - ctx: Context for the operation
//   - owner: Subject that requested the export
//   - viewID: View the selection was made in
//   - r: Remediation payload
//
// Returns:
//   - Result: Key, URL and checksum of the upload
//   - bool: Always true
//   - error: Any error that occurred during upload or presigning
func (s *S3Client) Export(ctx context.Context, owner, viewID string, r *view.Remediation) (Result, bool, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return Result{}, true, fmt.Errorf("failed to encode remediation: %w", err)
	}
	sum := sha256.Sum256(body)
	checksum := hex.EncodeToString(sum[:])
	now := s.now()
	key := ObjectKey(owner, viewID, now)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
		Metadata:      map[string]string{"sha256": checksum, "collection": r.Collection},
	})
	if err != nil {
		return Result{}, true, fmt.Errorf("failed to upload remediation: %w", err)
	}

	presigned, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.expiry
	})
	if err != nil {
		return Result{}, true, fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return Result{Key: key, URL: presigned.URL, Checksum: checksum, ExpiresAt: now.Add(s.expiry)}, true, nil
}
