package gateway

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	bucket, key string
	parts       map[int32]string
	completed   []int32
	aborted     bool
	failPart    int32
}

func (f *fakeBackend) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.bucket, f.key = aws.ToString(in.Bucket), aws.ToString(in.Key)
	f.parts = map[int32]string{}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("mpu-1")}, nil
}

func (f *fakeBackend) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	n := aws.ToInt32(in.PartNumber)
	if n == f.failPart {
		return nil, errors.New("connection reset")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.parts[n] = string(data)
	return &s3.UploadPartOutput{ETag: aws.String("etag-" + string(data))}, nil
}

func (f *fakeBackend) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	for _, p := range in.MultipartUpload.Parts {
		f.completed = append(f.completed, aws.ToInt32(p.PartNumber))
	}
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeBackend) AbortMultipartUpload(_ context.Context, _ *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.aborted = true
	return &s3.AbortMultipartUploadOutput{}, nil
}

func newTransferClient(backend *fakeBackend) (*Client, *[]Target) {
	var targets []Target
	c := New(Options{Server: "https://gateway.example.com/api"})
	c.newBackend = func(t Target) transferBackend {
		targets = append(targets, t)
		return backend
	}
	return c, &targets
}

func TestChunkedTransfer(t *testing.T) {
	backend := &fakeBackend{}
	client, targets := newTransferClient(backend)
	ctx := context.Background()
	content := strings.NewReader("aaaabbbbcc")

	tr, err := client.OpenChunkedTransfer(ctx, "https://media.example.com/Panopto/Upload/0f9c", "lecture.mp4", 3)
	require.NoError(t, err)
	assert.Equal(t, "mpu-1", tr.ID)
	assert.Equal(t, "Upload", backend.bucket)
	assert.Equal(t, "0f9c/lecture.mp4", backend.key)
	require.Len(t, *targets, 1)
	assert.Equal(t, "https://media.example.com/Panopto/", (*targets)[0].Endpoint)

	var acks []PartAck
	for i, p := range []Part{{1, 0, 4}, {2, 4, 4}, {3, 8, 2}} {
		ack, err := client.UploadPart(ctx, tr, content, p)
		require.NoError(t, err, "part %d", i+1)
		acks = append(acks, ack)
	}
	assert.Equal(t, map[int32]string{1: "aaaa", 2: "bbbb", 3: "cc"}, backend.parts)

	require.NoError(t, client.FinalizeTransfer(ctx, tr, acks))
	assert.Equal(t, []int32{1, 2, 3}, backend.completed)
}

func TestFinalizeRejectsIncompleteSet(t *testing.T) {
	backend := &fakeBackend{failPart: 2}
	client, _ := newTransferClient(backend)
	ctx := context.Background()
	content := strings.NewReader("aaaabbbbcc")

	tr, err := client.OpenChunkedTransfer(ctx, "https://media.example.com/Panopto/Upload/0f9c", "lecture.mp4", 3)
	require.NoError(t, err)

	var acks []PartAck
	for _, p := range []Part{{1, 0, 4}, {2, 4, 4}, {3, 8, 2}} {
		ack, err := client.UploadPart(ctx, tr, content, p)
		if err != nil {
			var partErr *PartUploadError
			require.True(t, errors.As(err, &partErr))
			assert.Equal(t, int32(2), partErr.Part)
			continue
		}
		acks = append(acks, ack)
	}

	err = client.FinalizeTransfer(ctx, tr, acks)
	var finErr *FinalizeError
	require.True(t, errors.As(err, &finErr), "want FinalizeError, got %v", err)
	assert.ErrorIs(t, err, ErrIncompleteParts)
	assert.Empty(t, backend.completed, "nothing is committed remotely")

	require.NoError(t, client.AbortTransfer(ctx, tr))
	assert.True(t, backend.aborted)
}

func TestUploadPartOutOfRange(t *testing.T) {
	client, _ := newTransferClient(&fakeBackend{})
	tr, err := client.OpenChunkedTransfer(context.Background(), "https://h/x/Upload/id", "a.mp4", 1)
	require.NoError(t, err)

	_, err = client.UploadPart(context.Background(), tr, strings.NewReader("x"), Part{Number: 2, Size: 1})
	var partErr *PartUploadError
	assert.True(t, errors.As(err, &partErr))
}

func TestOpenChunkedTransferBadTarget(t *testing.T) {
	client, targets := newTransferClient(&fakeBackend{})
	_, err := client.OpenChunkedTransfer(context.Background(), "not a url", "a.mp4", 1)
	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Empty(t, *targets)
}

func TestValidateParts(t *testing.T) {
	ok := []PartAck{{1, "a"}, {2, "b"}, {3, "c"}}
	assert.NoError(t, ValidateParts(ok, 3))

	cases := map[string][]PartAck{
		"missing":    {{1, "a"}, {3, "c"}},
		"duplicated": {{1, "a"}, {1, "a"}, {3, "c"}},
		"reordered":  {{2, "b"}, {1, "a"}, {3, "c"}},
		"no etag":    {{1, "a"}, {2, ""}, {3, "c"}},
		"extra":      {{1, "a"}, {2, "b"}, {3, "c"}, {4, "d"}},
	}
	for name, acks := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, ValidateParts(acks, 3), ErrIncompleteParts)
		})
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		descriptor string
		want       Target
		wantErr    bool
	}{
		{
			descriptor: "https://media.example.com/Panopto/Upload/0f9c",
			want:       Target{Endpoint: "https://media.example.com/Panopto/", Bucket: "Upload", KeyPrefix: "0f9c"},
		},
		{
			descriptor: "http://127.0.0.1:9000/Upload/abc/",
			want:       Target{Endpoint: "http://127.0.0.1:9000/", Bucket: "Upload", KeyPrefix: "abc"},
		},
		{descriptor: "https://media.example.com/only", wantErr: true},
		{descriptor: "ftp://media.example.com/a/b", wantErr: true},
		{descriptor: "lecture.mp4", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.descriptor, func(t *testing.T) {
			got, err := ParseTarget(tt.descriptor)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTargetKey(t *testing.T) {
	target := Target{KeyPrefix: "0f9c"}
	assert.Equal(t, "0f9c/lecture.mp4", target.Key("lecture.mp4"))
	assert.Equal(t, "0f9c/lecture.mp4", target.Key(`C:\watch\lecture.mp4`))
}
