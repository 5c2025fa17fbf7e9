// Package s3 provides an S3 implementation of the swap.Device interface.
//
// Each stored blob gets a fresh object key (a monotonically increasing
// sequence number), so a released location can never be re-read as another
// tensor's data. Intended for cold tensors where object-storage latency is
// acceptable, such as optimizer state touched once per epoch or
// checkpoint-restore warm-up via TensorPool.WarmUp.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/microtrain/tensormem/model"
	"github.com/microtrain/tensormem/swap"
)

// Client is the subset of the S3 API the device uses. *s3.Client satisfies
// it; tests substitute a mock.
type Client interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
}

// Option configures an ObjectDevice.
type Option func(*ObjectDevice)

// WithCompression sets the blob codec. Defaults to swap.CompressionZSTD:
// object-storage round trips are slow enough that ratio beats speed.
func WithCompression(c swap.Compression) Option {
	return func(d *ObjectDevice) {
		d.compression = c
	}
}

// WithUploaderOptions customizes the s3 upload manager (part size,
// concurrency).
func WithUploaderOptions(optFns ...func(*manager.Uploader)) Option {
	return func(d *ObjectDevice) {
		d.uploaderOpts = optFns
	}
}

// ObjectDevice implements swap.Device against an S3 bucket.
type ObjectDevice struct {
	client       Client
	uploader     *manager.Uploader
	uploaderOpts []func(*manager.Uploader)
	bucket       string
	prefix       string
	compression  swap.Compression

	seq    atomic.Uint64
	closed atomic.Bool
}

var _ swap.Device = (*ObjectDevice)(nil)

// NewObjectDevice creates a swap device storing blobs under
// s3://bucket/prefix/.
func NewObjectDevice(client Client, bucket, prefix string, opts ...Option) *ObjectDevice {
	d := &ObjectDevice{
		client:      client,
		bucket:      bucket,
		prefix:      prefix,
		compression: swap.CompressionZSTD,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.uploader = manager.NewUploader(client, d.uploaderOpts...)
	return d
}

func (d *ObjectDevice) key(id model.TensorID, seq uint64) string {
	return path.Join(d.prefix, fmt.Sprintf("t%016x-%d.blob", uint64(id), seq))
}

// Store uploads the tensor's bytes under a fresh key.
func (d *ObjectDevice) Store(ctx context.Context, id model.TensorID, b []byte) (swap.Location, error) {
	if d.closed.Load() {
		return swap.Location{}, swap.ErrClosed
	}

	blob, err := swap.Encode(b, d.compression)
	if err != nil {
		return swap.Location{}, err
	}

	key := d.key(id, d.seq.Add(1))
	_, err = d.uploader.Upload(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(blob),
	})
	if err != nil {
		return swap.Location{}, fmt.Errorf("swap: s3 store tensor %d: %w", id, err)
	}

	return swap.Location{Key: key, Length: int64(len(blob))}, nil
}

// Load downloads and decodes the blob at loc.
func (d *ObjectDevice) Load(ctx context.Context, loc swap.Location) ([]byte, error) {
	if d.closed.Load() {
		return nil, swap.ErrClosed
	}

	resp, err := d.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("swap: s3 load %s: %w", loc.Key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("swap: s3 load %s: %w", loc.Key, err)
	}

	return swap.Decode(blob, d.compression)
}

// Release deletes the object at loc.
func (d *ObjectDevice) Release(ctx context.Context, loc swap.Location) error {
	if d.closed.Load() {
		return swap.ErrClosed
	}

	_, err := d.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return fmt.Errorf("swap: s3 release %s: %w", loc.Key, err)
	}
	return nil
}

// Close marks the device closed. Objects are left in the bucket; the
// session owner decides their retention.
func (d *ObjectDevice) Close() error {
	d.closed.Store(true)
	return nil
}
