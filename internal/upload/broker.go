package upload

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Grant is a time-limited permission to write one object, plus the location
// the object will have once the client finishes the upload. The relay never
// proxies upload bytes.
type Grant struct {
	WriteURL  string
	PublicURL string
}

// GrantIssuer hands out upload grants.
type GrantIssuer interface {
	RequestUploadGrant(ctx context.Context, fileName string) (Grant, error)
}

// Broker issues presigned PUT grants against an S3-compatible blob store.
type Broker struct {
	client        *minio.Client
	bucket        string
	publicBaseURL string
	grantTTL      time.Duration
	now           func() time.Time
}

// Options configures a Broker.
type Options struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	Bucket        string
	PublicBaseURL string
	GrantTTL      time.Duration
}

// NewBroker connects a Broker to the blob store.
func NewBroker(opt Options) (*Broker, error) {
	client, err := minio.New(opt.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opt.AccessKey, opt.SecretKey, ""),
		Secure: opt.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect blob store: %w", err)
	}
	if opt.GrantTTL <= 0 {
		opt.GrantTTL = 15 * time.Minute
	}
	return &Broker{
		client:        client,
		bucket:        opt.Bucket,
		publicBaseURL: strings.TrimRight(opt.PublicBaseURL, "/"),
		grantTTL:      opt.GrantTTL,
		now:           time.Now,
	}, nil
}

// RequestUploadGrant builds a collision-resistant object name for fileName,
// obtains a presigned write URL for it, and derives the deterministic public
// URL the object will have after upload.
func (b *Broker) RequestUploadGrant(ctx context.Context, fileName string) (Grant, error) {
	object := objectName(b.now(), fileName)

	writeURL, err := b.client.PresignedPutObject(ctx, b.bucket, object, b.grantTTL)
	if err != nil {
		return Grant{}, fmt.Errorf("issue upload grant: %w", err)
	}

	return Grant{
		WriteURL:  writeURL.String(),
		PublicURL: fmt.Sprintf("%s/%s/%s", b.publicBaseURL, b.bucket, object),
	}, nil
}

// objectName prefixes the sanitized file name with the upload instant and a
// random suffix so concurrent uploads of the same file never collide.
func objectName(now time.Time, fileName string) string {
	return fmt.Sprintf("%d-%s-%s", now.UnixNano(), uuid.NewString()[:8], sanitizeFileName(fileName))
}

func sanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "upload"
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", " ", "_", "..", "_")
	return replacer.Replace(name)
}
