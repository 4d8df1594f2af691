package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// transferBackend is the subset of the S3 API a chunked transfer uses.
type transferBackend interface {
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

func (c *Client) s3Backend(target Target) transferBackend {
	region := c.opts.StorageRegion
	if region == "" {
		region = "us-east-1"
	}
	return s3.New(s3.Options{
		Region:       region,
		BaseEndpoint: aws.String(target.Endpoint),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider(c.opts.StorageAccessKey, c.opts.StorageSecretKey, ""),
		HTTPClient:   c.httpClient,
		// The gateway is S3-compatible, not S3: only send checksums it asks for.
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
}

// OpenChunkedTransfer starts a multipart transfer of fileName against an upload target
// descriptor. partCount is the number of parts the caller will send.
func (c *Client) OpenChunkedTransfer(ctx context.Context, descriptor, fileName string, partCount int) (*Transfer, error) {
	target, err := ParseTarget(descriptor)
	if err != nil {
		return nil, &GatewayError{Op: "open transfer", Err: err}
	}
	if partCount < 1 {
		return nil, &GatewayError{Op: "open transfer", Err: fmt.Errorf("part count must be positive, got %d", partCount)}
	}

	backend := c.newBackend(target)
	key := target.Key(fileName)
	out, err := backend.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(target.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, &GatewayError{Op: "open transfer", Err: err}
	}
	if aws.ToString(out.UploadId) == "" {
		return nil, &GatewayError{Op: "open transfer", Message: "no transfer id returned"}
	}

	return &Transfer{
		ID:        aws.ToString(out.UploadId),
		Target:    target,
		Key:       key,
		PartCount: partCount,
		backend:   backend,
	}, nil
}

// UploadPart sends one byte range of r.
func (c *Client) UploadPart(ctx context.Context, t *Transfer, r io.ReaderAt, part Part) (PartAck, error) {
	if part.Number < 1 || int(part.Number) > t.PartCount {
		return PartAck{}, &PartUploadError{Part: part.Number, Err: fmt.Errorf("part number outside 1..%d", t.PartCount)}
	}

	out, err := t.backend.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(t.Target.Bucket),
		Key:           aws.String(t.Key),
		UploadId:      aws.String(t.ID),
		PartNumber:    aws.Int32(part.Number),
		ContentLength: aws.Int64(part.Size),
		Body:          io.NewSectionReader(r, part.Offset, part.Size),
	})
	if err != nil {
		return PartAck{}, &PartUploadError{Part: part.Number, Err: err}
	}
	etag := aws.ToString(out.ETag)
	if etag == "" {
		return PartAck{}, &PartUploadError{Part: part.Number, Err: errors.New("no etag returned")}
	}
	return PartAck{Number: part.Number, ETag: etag}, nil
}

// FinalizeTransfer commits the transfer. The acknowledgment list is checked before anything
// is sent: it must hold every part exactly once, in order.
func (c *Client) FinalizeTransfer(ctx context.Context, t *Transfer, acks []PartAck) error {
	if err := ValidateParts(acks, t.PartCount); err != nil {
		return &FinalizeError{TransferID: t.ID, Err: err}
	}

	parts := make([]types.CompletedPart, len(acks))
	for i, ack := range acks {
		parts[i] = types.CompletedPart{
			ETag:       aws.String(ack.ETag),
			PartNumber: aws.Int32(ack.Number),
		}
	}

	_, err := t.backend.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(t.Target.Bucket),
		Key:             aws.String(t.Key),
		UploadId:        aws.String(t.ID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return &FinalizeError{TransferID: t.ID, Err: err}
	}
	return nil
}

// AbortTransfer discards the parts uploaded so far.
func (c *Client) AbortTransfer(ctx context.Context, t *Transfer) error {
	_, err := t.backend.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(t.Target.Bucket),
		Key:      aws.String(t.Key),
		UploadId: aws.String(t.ID),
	})
	if err != nil {
		return &GatewayError{Op: "abort transfer", Err: err}
	}
	return nil
}
