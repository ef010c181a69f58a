package execlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/store"
)

// StoreSink writes records to the execution table of a store.
type StoreSink struct {
	store store.ExecutionStore
}

// NewStoreSink creates a StoreSink over st.
func NewStoreSink(st store.ExecutionStore) *StoreSink {
	return &StoreSink{store: st}
}

func (s *StoreSink) Write(ctx context.Context, rec models.ExecutionRecord) error {
	if err := s.store.AddExecutionRecord(ctx, rec); err != nil {
		return fmt.Errorf("failed to store execution record: %w", err)
	}
	return nil
}

// ObjectPutter is the part of the S3 client used by S3Sink.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink archives each record as a JSON object under
// <prefix>/<yyyy>/<mm>/<dd>/<userID>/<id>.json.
type S3Sink struct {
	bucket string
	prefix string
	s3     ObjectPutter
}

// NewS3Sink creates an S3Sink. client is usually an *s3.Client.
func NewS3Sink(client ObjectPutter, bucket, prefix string) *S3Sink {
	return &S3Sink{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		s3:     client,
	}
}

// Key returns the object key rec is written to.
func (s *S3Sink) Key(rec models.ExecutionRecord) string {
	day := rec.StartedAt.UTC().Format("2006/01/02")
	user := strings.NewReplacer("/", "_", ":", "_", "+", "").Replace(rec.UserID)
	return path.Join(s.prefix, day, user, rec.ID+".json")
}

func (s *S3Sink) Write(ctx context.Context, rec models.ExecutionRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution record: %w", err)
	}
	_, err = s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.Key(rec)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to put execution record to S3: %w", err)
	}
	return nil
}

// JSONLinesSink writes one JSON document per line to w.
type JSONLinesSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONLinesSink creates a JSONLinesSink writing to w.
func NewJSONLinesSink(w io.Writer) *JSONLinesSink {
	return &JSONLinesSink{w: w}
}

func (s *JSONLinesSink) Write(ctx context.Context, rec models.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := json.NewEncoder(s.w).Encode(rec); err != nil {
		return fmt.Errorf("failed to write execution record: %w", err)
	}
	return nil
}
