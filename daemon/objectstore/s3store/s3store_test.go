package s3store

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/saa-hil/image-resizer/daemon/objectstore"
	"github.com/saa-hil/image-resizer/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

type mockClient struct {
	headObjectFunc    func(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	getObjectFunc     func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	putObjectFunc     func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	deleteObjectFunc  func(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	deleteObjectsFunc func(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	headBucketFunc    func(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

func (m *mockClient) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return m.headObjectFunc(ctx, params, optFns...)
}

func (m *mockClient) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return m.getObjectFunc(ctx, params, optFns...)
}

func (m *mockClient) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return m.putObjectFunc(ctx, params, optFns...)
}

func (m *mockClient) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return m.deleteObjectFunc(ctx, params, optFns...)
}

func (m *mockClient) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	return m.deleteObjectsFunc(ctx, params, optFns...)
}

func (m *mockClient) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return m.headBucketFunc(ctx, params, optFns...)
}

func TestHeadMapsMissingObjectToNotFound(t *testing.T) {
	store := &Store{
		bucket: "assets",
		client: &mockClient{
			headObjectFunc: func(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
				assert.Check(t, is.Equal(aws.ToString(params.Bucket), "assets"))
				return nil, &types.NotFound{}
			},
		},
	}
	_, err := store.Head(context.Background(), "absent.jpg")
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestHeadReturnsStat(t *testing.T) {
	store := &Store{
		bucket: "assets",
		client: &mockClient{
			headObjectFunc: func(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
				return &s3.HeadObjectOutput{
					ContentLength: aws.Int64(42),
					ContentType:   aws.String("image/png"),
				}, nil
			},
		},
	}
	stat, err := store.Head(context.Background(), "pic.png")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(stat.Size, int64(42)))
	assert.Check(t, is.Equal(stat.ContentType, "image/png"))
	assert.Check(t, is.Equal(stat.Key, "pic.png"))
}

func TestPutSetsMetadata(t *testing.T) {
	var got *s3.PutObjectInput
	store := &Store{
		bucket: "assets",
		client: &mockClient{
			putObjectFunc: func(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
				got = params
				return &s3.PutObjectOutput{}, nil
			},
		},
	}
	body := bytes.NewReader([]byte("pretend this is webp"))
	err := store.Put(context.Background(), "pic___200x100.webp", body, int64(body.Len()), objectstore.PutOptions{
		ContentType:  "image/webp",
		CacheControl: "public, max-age=31536000, immutable",
	})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(aws.ToString(got.Key), "pic___200x100.webp"))
	assert.Check(t, is.Equal(aws.ToString(got.ContentType), "image/webp"))
	assert.Check(t, is.Equal(aws.ToString(got.CacheControl), "public, max-age=31536000, immutable"))
	assert.Check(t, is.Equal(aws.ToInt64(got.ContentLength), int64(20)))
}

func TestGetReturnsBody(t *testing.T) {
	store := &Store{
		bucket: "assets",
		client: &mockClient{
			getObjectFunc: func(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
				return &s3.GetObjectOutput{
					Body:          io.NopCloser(bytes.NewReader([]byte("bytes"))),
					ContentLength: aws.Int64(5),
				}, nil
			},
		},
	}
	body, stat, err := store.Get(context.Background(), "pic.png")
	assert.NilError(t, err)
	defer body.Close()
	b, err := io.ReadAll(body)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(b), "bytes"))
	assert.Check(t, is.Equal(stat.Size, int64(5)))
}

func TestDeleteBatch(t *testing.T) {
	t.Run("all deleted", func(t *testing.T) {
		var batches [][]types.ObjectIdentifier
		store := &Store{
			bucket: "assets",
			client: &mockClient{
				deleteObjectsFunc: func(_ context.Context, params *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
					batches = append(batches, params.Delete.Objects)
					return &s3.DeleteObjectsOutput{}, nil
				},
			},
		}
		err := store.DeleteBatch(context.Background(), []string{"a___1x1.png", "a___2x2.png"})
		assert.NilError(t, err)
		assert.Check(t, is.Len(batches, 1))
		assert.Check(t, is.Len(batches[0], 2))
	})

	t.Run("partial failure is an error", func(t *testing.T) {
		store := &Store{
			bucket: "assets",
			client: &mockClient{
				deleteObjectsFunc: func(_ context.Context, params *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
					return &s3.DeleteObjectsOutput{
						Errors: []types.Error{{
							Key:     aws.String("a___1x1.png"),
							Message: aws.String("access denied"),
						}},
					}, nil
				},
			},
		}
		err := store.DeleteBatch(context.Background(), []string{"a___1x1.png"})
		assert.Check(t, is.ErrorContains(err, "access denied"))
	})

	t.Run("empty set is a no-op", func(t *testing.T) {
		store := &Store{bucket: "assets", client: &mockClient{}}
		assert.NilError(t, store.DeleteBatch(context.Background(), nil))
	})
}
