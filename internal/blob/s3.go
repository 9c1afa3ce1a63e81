package blob

import (
	"context"

	s3store "spacesync/internal/infra/blob/s3"
)

// S3Config configures the s3 driver.
type S3Config = s3store.Config

// NewS3 opens a bucket-backed store.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	st, err := s3store.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// NewMockS3ForTests returns an s3 store whose HTTP transport keeps objects
// in memory.
func NewMockS3ForTests() Store { return s3store.NewMockForTests() }
