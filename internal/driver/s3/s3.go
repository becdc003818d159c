// Package s3 implements the FilesystemDriver capability (§6) over an
// S3-compatible object store via minio-go: listing objects under a prefix
// (optionally filtered by the targeting-query DSL), stat-ing a single
// object, and generating presigned URLs for transfer scripts to curl
// against without embedding credentials in the rendered script.
package s3

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/wtsi-hgi/shepherd/internal/capability"
	"github.com/wtsi-hgi/shepherd/internal/query"
	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

const defaultMaxConcurrency = 16

// Driver implements capability.FilesystemDriver over one S3-compatible
// bucket. Object metadata (§3's `:key` predicates) maps to S3 user
// metadata headers.
type Driver struct {
	client *minio.Client
	bucket string
	logger logger.Logger
}

// New constructs an S3 driver from the `options` map declared for a
// filesystem (§9's driver registry): `endpoint`, `bucket`, `accessKeyID`,
// `secretAccessKey`, `useSSL`.
func New(options map[string]any) (capability.FilesystemDriver, error) {
	endpoint, _ := options["endpoint"].(string)
	bucket, _ := options["bucket"].(string)
	accessKeyID, _ := options["accessKeyID"].(string)
	secretAccessKey, _ := options["secretAccessKey"].(string)
	useSSL, _ := options["useSSL"].(bool)

	if endpoint == "" || bucket == "" {
		return nil, shepherdapi.New(shepherdapi.KindConfiguration, "s3 driver requires \"endpoint\" and \"bucket\" options")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "constructing minio client for endpoint %q", endpoint)
	}

	return &Driver{client: client, bucket: bucket, logger: logger.NewLogger().Child("driver.s3")}, nil
}

func (d *Driver) MaxConcurrencyDefault() int { return defaultMaxConcurrency }

// Query lists objects under source (used as a key prefix), filtering each
// candidate against criteria.
func (d *Driver) Query(ctx context.Context, source shepherdapi.Address, criteria *query.Query) (<-chan shepherdapi.DataItemStub, <-chan error) {
	out := make(chan shepherdapi.DataItemStub)
	errs := make(chan error, 1)

	prefix := string(source)
	if criteria != nil && len(criteria.Source.Roots) > 0 {
		prefix = criteria.Source.Roots[0]
	}

	go func() {
		defer close(out)
		defer close(errs)

		for obj := range d.client.ListObjects(ctx, d.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true, WithMetadata: true}) {
			if obj.Err != nil {
				errs <- shepherdapi.Wrap(shepherdapi.KindConfiguration, obj.Err, "listing objects under %q", prefix)
				return
			}

			size := obj.Size
			stat := &shepherdapi.Stat{
				Size:     &size,
				MTime:    &obj.LastModified,
				Metadata: objectMetadata(obj),
			}

			if criteria != nil && criteria.Where != nil {
				ok, err := query.Evaluate(criteria.Where, query.Candidate{Address: shepherdapi.Address(obj.Key), Stat: stat})
				if err != nil {
					errs <- err
					return
				}
				if !ok {
					continue
				}
			}

			out <- shepherdapi.DataItemStub{Address: shepherdapi.Address(obj.Key), Stat: stat}
		}
	}()

	return out, errs
}

func objectMetadata(obj minio.ObjectInfo) map[string]string {
	if len(obj.UserMetadata) == 0 {
		return nil
	}
	meta := make(map[string]string, len(obj.UserMetadata))
	for k, v := range obj.UserMetadata {
		meta[strings.ToLower(strings.TrimPrefix(k, "X-Amz-Meta-"))] = v
	}
	return meta
}

// Stat reports the size, last-modified time and user metadata of a single
// object.
func (d *Driver) Stat(ctx context.Context, address shepherdapi.Address) (*shepherdapi.Stat, error) {
	info, err := d.client.StatObject(ctx, d.bucket, string(address), minio.StatObjectOptions{})
	if err != nil {
		return nil, shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "stat s3://%s/%s", d.bucket, address)
	}

	size := info.Size
	return &shepherdapi.Stat{
		Size:     &size,
		MTime:    &info.LastModified,
		Metadata: objectMetadata(info),
	}, nil
}

// PresignedGetURL returns a time-limited GET URL for address, for transfer
// scripts that curl the object rather than linking AWS credentials into
// every executor node.
func (d *Driver) PresignedGetURL(ctx context.Context, address shepherdapi.Address, expiry time.Duration) (string, error) {
	u, err := d.client.PresignedGetObject(ctx, d.bucket, string(address), expiry, nil)
	if err != nil {
		return "", shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "presigning GET for s3://%s/%s", d.bucket, address)
	}
	return u.String(), nil
}

// PresignedPutURL returns a time-limited PUT URL for address.
func (d *Driver) PresignedPutURL(ctx context.Context, address shepherdapi.Address, expiry time.Duration) (string, error) {
	u, err := d.client.PresignedPutObject(ctx, d.bucket, string(address), expiry)
	if err != nil {
		return "", shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "presigning PUT for s3://%s/%s", d.bucket, address)
	}
	return u.String(), nil
}

// String identifies the driver for logs.
func (d *Driver) String() string { return fmt.Sprintf("s3(%s)", d.bucket) }
