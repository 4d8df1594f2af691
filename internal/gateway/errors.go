package gateway

import (
	"errors"
	"fmt"
)

// ErrIncompleteParts is returned by FinalizeTransfer when the acknowledgment set is
// missing, duplicating or reordering parts.
var ErrIncompleteParts = errors.New("incomplete part acknowledgments")

// GatewayError is a failed REST call: either a transport error or an unexpected status.
type GatewayError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s failed: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s failed: status %d", e.Op, e.StatusCode)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// PartUploadError is a failed part of a chunked transfer.
type PartUploadError struct {
	Part int32
	Err  error
}

func (e *PartUploadError) Error() string {
	return fmt.Sprintf("part %d upload failed: %v", e.Part, e.Err)
}

func (e *PartUploadError) Unwrap() error {
	return e.Err
}

// FinalizeError is a rejected or failed commit of a chunked transfer.
type FinalizeError struct {
	TransferID string
	Err        error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("finalize transfer %s failed: %v", e.TransferID, e.Err)
}

func (e *FinalizeError) Unwrap() error {
	return e.Err
}

// ValidateParts checks that acks hold exactly parts 1..expected in ascending order.
func ValidateParts(acks []PartAck, expected int) error {
	if len(acks) != expected {
		return fmt.Errorf("%w: have %d of %d parts", ErrIncompleteParts, len(acks), expected)
	}
	for i, ack := range acks {
		if ack.Number != int32(i+1) {
			return fmt.Errorf("%w: position %d holds part %d", ErrIncompleteParts, i+1, ack.Number)
		}
		if ack.ETag == "" {
			return fmt.Errorf("%w: part %d has no etag", ErrIncompleteParts, ack.Number)
		}
	}
	return nil
}
