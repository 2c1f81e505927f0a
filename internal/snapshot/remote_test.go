package snapshot

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKV struct {
	data   map[string][]byte
	setErr error
}

func (f *fakeKV) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func (f *fakeKV) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.data[key] = value.([]byte)
	return redis.NewStatusResult("OK", nil)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := &fakeKV{data: map[string][]byte{}}
	s := newRedisStore(kv, "")

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Save(ctx, sampleWindow()))
	assert.Contains(t, kv.data, "outputs")

	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleWindow(), got)

	kv.setErr = assert.AnError
	assert.ErrorIs(t, s.Save(ctx, nil), assert.AnError)
}

type fakeS3 struct {
	objects map[string][]byte
	puts    []*s3.PutObjectInput
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	v, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(v))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Bucket+"/"+*in.Key] = data
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func TestS3StoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	api := &fakeS3{objects: map[string][]byte{}}
	s := newS3Store(api, "feeds", "prod/", "outputs")

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Save(ctx, sampleWindow()))
	require.Len(t, api.puts, 1)
	assert.Equal(t, "prod/outputs.json", *api.puts[0].Key)
	assert.Equal(t, "application/json", *api.puts[0].ContentType)

	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleWindow(), got)
}

type fakeGCS struct {
	objects     map[string][]byte
	contentType map[string]string
	closeErr    error
}

type fakeGCSWriter struct {
	bytes.Buffer
	commit func([]byte) error
}

func (w *fakeGCSWriter) Close() error { return w.commit(w.Bytes()) }

func (f *fakeGCS) NewReader(_ context.Context, bucket, object string) (io.ReadCloser, error) {
	v, ok := f.objects[bucket+"/"+object]
	if !ok {
		return nil, storage.ErrObjectNotExist
	}
	return io.NopCloser(bytes.NewReader(v)), nil
}

func (f *fakeGCS) NewWriter(_ context.Context, bucket, object, contentType string) io.WriteCloser {
	return &fakeGCSWriter{commit: func(data []byte) error {
		if f.closeErr != nil {
			return f.closeErr
		}
		name := bucket + "/" + object
		f.objects[name] = append([]byte(nil), data...)
		f.contentType[name] = contentType
		return nil
	}}
}

func TestGCSStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	objs := &fakeGCS{objects: map[string][]byte{}, contentType: map[string]string{}}
	s := newGCSStore(objs, "feeds", "prod/", "outputs")

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Save(ctx, sampleWindow()))
	require.Contains(t, objs.objects, "feeds/prod/outputs.json")
	assert.Equal(t, "application/json", objs.contentType["feeds/prod/outputs.json"])

	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleWindow(), got)

	objs.closeErr = assert.AnError
	assert.ErrorIs(t, s.Save(ctx, nil), assert.AnError)
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	assert.NoError(t, s.Close())
	assert.Equal(t, "gcs", s.Name())
}

func TestGCSStoreCorruptObject(t *testing.T) {
	objs := &fakeGCS{objects: map[string][]byte{"feeds/outputs.json": []byte("{not json")}, contentType: map[string]string{}}
	s := newGCSStore(objs, "feeds", "", "")

	_, err := s.Load(context.Background())
	assert.Error(t, err)
}

func TestEmptyWindowEncodesAsArray(t *testing.T) {
	data, err := encodeWindow(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	got, err := decodeWindow([]byte("  "))
	require.NoError(t, err)
	assert.Nil(t, got)
}
