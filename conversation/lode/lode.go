// Package lode implements a conversation store on a Lode dataset.
//
// Every capture is appended as a JSONL record in a Hive-partitioned
// dataset (bucket/day), on the local filesystem or S3. Lookups scan
// snapshots newest first, pruned by the user's bucket partition.
package lode

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/justapithecus/lode/lode"
	lodes3 "github.com/justapithecus/lode/lode/s3"

	"github.com/pithecene-io/cardrelay/conversation"
)

// DefaultDataset is the default dataset ID.
const DefaultDataset = "cardrelay-conversations"

// RecordKindConversation marks conversation capture records.
const RecordKindConversation = "conversation"

// partitionKeys is the Hive layout shared by the write and read paths.
var partitionKeys = []string{"bucket", "day"}

// S3Config holds configuration for the S3 storage backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom endpoint for S3-compatible providers
	// (e.g. MinIO, R2). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing.
	UsePathStyle bool
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// ParseS3Path parses a path in format "bucket/prefix" or "bucket".
func ParseS3Path(path string) (bucket, prefix string) {
	bucket, prefix, _ = strings.Cut(path, "/")
	return bucket, prefix
}

// Store is a Lode-backed conversation.Store.
type Store struct {
	dataset lode.Dataset
	now     func() time.Time

	mu     sync.RWMutex
	latest map[string]string // write-through cache of known conversations
}

// NewFS creates a store with filesystem storage rooted at root.
func NewFS(dataset, root string) (*Store, error) {
	return NewWithFactory(dataset, lode.NewFSFactory(root))
}

// NewS3 creates a store with S3 storage.
// Uses AWS SDK default credential chain (env vars, shared config, IAM role).
func NewS3(ctx context.Context, dataset string, s3cfg S3Config) (*Store, error) {
	if err := s3cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if s3cfg.Region != "" {
		opts = append(opts, config.WithRegion(s3cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, conversation.WrapError("init", fmt.Errorf("load AWS config: %w", err))
	}

	var s3Opts []func(*s3.Options)
	if s3cfg.Endpoint != "" {
		endpoint := s3cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if s3cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	s3Client := s3.NewFromConfig(awsConfig, s3Opts...)

	factory := func() (lode.Store, error) {
		return lodes3.New(s3Client, lodes3.Config{
			Bucket: s3cfg.Bucket,
			Prefix: s3cfg.Prefix,
		})
	}
	return NewWithFactory(dataset, factory)
}

// NewWithFactory creates a store with a custom store factory.
// Use lode.NewMemoryFactory() for testing.
func NewWithFactory(dataset string, factory lode.StoreFactory) (*Store, error) {
	if dataset == "" {
		dataset = DefaultDataset
	}
	ds, err := lode.NewDataset(
		lode.DatasetID(dataset),
		factory,
		lode.WithHiveLayout(partitionKeys...),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, conversation.WrapError("init", fmt.Errorf("create dataset %s: %w", dataset, err))
	}
	return &Store{
		dataset: ds,
		now:     time.Now,
		latest:  make(map[string]string),
	}, nil
}

// Bucket returns the partition bucket of a user: the first two hex digits
// of the SHA-256 of the user ID. Keeps arbitrary user IDs out of paths.
func Bucket(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:1])
}

// Save implements conversation.Store. Each call appends one snapshot.
func (s *Store) Save(ctx context.Context, userID, conversationID string) error {
	if userID == "" {
		return &conversation.StoreError{Kind: conversation.ErrInvalid, Op: "save", Err: errors.New("user id is empty")}
	}
	now := s.now().UTC()
	record := map[string]any{
		"record_kind":     RecordKindConversation,
		"user_id":         userID,
		"conversation_id": conversationID,
		"captured_at":     now.Format(time.RFC3339Nano),
		"bucket":          Bucket(userID),
		"day":             now.Format("2006-01-02"),
	}
	if _, err := s.dataset.Write(ctx, []any{record}, lode.Metadata{}); err != nil {
		return conversation.WrapError("save", err)
	}

	s.mu.Lock()
	s.latest[userID] = conversationID
	s.mu.Unlock()
	return nil
}

// Lookup implements conversation.Store.
func (s *Store) Lookup(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	id, ok := s.latest[userID]
	s.mu.RUnlock()
	if ok {
		return id, nil
	}

	snapshots, err := s.dataset.Snapshots(ctx)
	if err != nil {
		return "", conversation.WrapError("lookup", err)
	}

	bucket := Bucket(userID)
	// Snapshots are ordered by creation time; walk newest first.
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]
		if !snapshotHasPartition(snap, "bucket", bucket) {
			continue
		}
		data, err := s.dataset.Read(ctx, snap.ID)
		if err != nil {
			return "", conversation.WrapError("lookup", fmt.Errorf("read snapshot %s: %w", snap.ID, err))
		}
		for j := len(data) - 1; j >= 0; j-- {
			record, ok := data[j].(map[string]any)
			if !ok || record["record_kind"] != RecordKindConversation || record["user_id"] != userID {
				continue
			}
			conv, _ := record["conversation_id"].(string)
			s.mu.Lock()
			if _, cached := s.latest[userID]; !cached {
				s.latest[userID] = conv
			}
			s.mu.Unlock()
			return conv, nil
		}
	}
	return "", conversation.ErrNotFound
}

// snapshotHasPartition checks whether any file of snap lies in the exact
// key=value partition segment.
func snapshotHasPartition(snap *lode.Snapshot, key, value string) bool {
	segment := key + "=" + value
	for _, f := range snap.Manifest.Files {
		for _, part := range strings.Split(f.Path, "/") {
			if part == segment {
				return true
			}
		}
	}
	return false
}

// Close releases store resources.
func (s *Store) Close() error {
	return nil
}

var _ conversation.Store = (*Store)(nil)
