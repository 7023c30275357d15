// Package s3 provides an object-store registry backend. Entries are spread
// over a small key layout per entity:
//
//	{kind}/{id}/metadata.json            id, version list, latest_version
//	{kind}/{id}/versions/{v}/spec.json   one record per version
//	{kind}/{id}/spec.json                copy of the latest record
//
// The metadata object is the source of truth and is written last, guarded by
// a conditional put (If-Match on the last seen ETag, If-None-Match: * for new
// entities) so concurrent writers cannot silently drop each other's updates.
// Orphaned version objects left behind by an interrupted save are invisible
// to Load, which only follows the version list in metadata.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"goa.design/flow/registry/store"
)

type (
	// API is the subset of the S3 client the store uses. *s3.Client
	// satisfies it; tests substitute a fake.
	API interface {
		GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
		PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
		DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
		ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	}

	// Store persists registry entries in an S3-compatible bucket.
	Store struct {
		client      API
		bucket      string
		prefix      string
		conditional bool

		mu    sync.Mutex
		etags map[string]string
	}

	// Option configures a Store.
	Option func(*Store)

	// Config describes how to reach the bucket. Endpoint and UsePathStyle
	// support S3-compatible stores such as MinIO.
	Config struct {
		Bucket          string
		Region          string
		Endpoint        string
		Prefix          string
		AccessKeyID     string
		SecretAccessKey string
		UsePathStyle    bool
		// DisableConditionalWrites turns off the ETag guard on metadata
		// puts for backends that reject If-Match on PutObject.
		DisableConditionalWrites bool
	}

	// metadata is the per-entity index object.
	metadata struct {
		ID            string    `json:"id"`
		LatestVersion string    `json:"latest_version"`
		Versions      []string  `json:"versions"`
		UpdatedAt     time.Time `json:"updated_at"`
	}
)

var _ store.Store = (*Store)(nil)

// WithPrefix prepends a key prefix to every object the store writes.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = strings.Trim(prefix, "/") }
}

// WithoutConditionalWrites disables the ETag guard on metadata puts.
func WithoutConditionalWrites() Option {
	return func(s *Store) { s.conditional = false }
}

// New creates a store over an existing client.
func New(client API, bucket string, opts ...Option) *Store {
	s := &Store{
		client:      client,
		bucket:      bucket,
		conditional: true,
		etags:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromConfig builds the S3 client from cfg and returns a store over it.
func NewFromConfig(ctx context.Context, cfg Config) (*Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	loadOptions := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})
	opts := []Option{WithPrefix(cfg.Prefix)}
	if cfg.DisableConditionalWrites {
		opts = append(opts, WithoutConditionalWrites())
	}
	return New(client, bucket, opts...), nil
}

// Load reads the entry for (kind, id) by following its metadata object.
func (s *Store) Load(ctx context.Context, kind store.Kind, id string) (*store.Entry, error) {
	raw, etag, err := s.get(ctx, s.metadataKey(kind, id))
	if err != nil {
		if isNoSuchKey(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get metadata for %s/%s: %w", kind, id, err)
	}
	var md metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("decode metadata for %s/%s: %w", kind, id, err)
	}
	s.rememberETag(kind, id, etag)

	entry := &store.Entry{
		ID:        md.ID,
		Versions:  make(map[string]*store.VersionRecord, len(md.Versions)),
		UpdatedAt: md.UpdatedAt,
	}
	if entry.ID == "" {
		entry.ID = id
	}
	for _, v := range md.Versions {
		vraw, _, err := s.get(ctx, s.versionKey(kind, id, v))
		if err != nil {
			return nil, fmt.Errorf("get version %s of %s/%s: %w", v, kind, id, err)
		}
		var rec store.VersionRecord
		if err := json.Unmarshal(vraw, &rec); err != nil {
			return nil, fmt.Errorf("decode version %s of %s/%s: %w", v, kind, id, err)
		}
		entry.Versions[v] = &rec
	}
	return entry, nil
}

// Save writes all version records, refreshes the latest copy and commits by
// replacing the metadata object last.
func (s *Store) Save(ctx context.Context, kind store.Kind, entry *store.Entry) error {
	versions := sortedVersions(entry)
	for _, v := range versions {
		raw, err := json.Marshal(entry.Versions[v])
		if err != nil {
			return fmt.Errorf("encode version %s of %s/%s: %w", v, kind, entry.ID, err)
		}
		if err := s.put(ctx, s.versionKey(kind, entry.ID, v), raw); err != nil {
			return fmt.Errorf("put version %s of %s/%s: %w", v, kind, entry.ID, err)
		}
	}
	if len(versions) > 0 {
		latest := versions[len(versions)-1]
		raw, err := json.Marshal(entry.Versions[latest])
		if err != nil {
			return fmt.Errorf("encode latest of %s/%s: %w", kind, entry.ID, err)
		}
		if err := s.put(ctx, s.latestKey(kind, entry.ID), raw); err != nil {
			return fmt.Errorf("put latest of %s/%s: %w", kind, entry.ID, err)
		}
	}

	md := metadata{ID: entry.ID, Versions: versions, UpdatedAt: entry.UpdatedAt}
	if len(versions) > 0 {
		md.LatestVersion = versions[len(versions)-1]
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode metadata for %s/%s: %w", kind, entry.ID, err)
	}
	return s.putMetadata(ctx, kind, entry.ID, raw)
}

// Delete removes every object under the entity's key prefix.
func (s *Store) Delete(ctx context.Context, kind store.Kind, id string) error {
	prefix := s.entityPrefix(kind, id)
	var (
		found bool
		token *string
	)
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("list objects of %s/%s: %w", kind, id, err)
		}
		for _, obj := range out.Contents {
			if obj.Key == nil {
				continue
			}
			found = true
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			}); err != nil {
				return fmt.Errorf("delete object %s: %w", *obj.Key, err)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	s.rememberETag(kind, id, "")
	if !found {
		return store.ErrNotFound
	}
	return nil
}

// List returns the entity ids under the kind's key prefix.
func (s *Store) List(ctx context.Context, kind store.Kind) ([]string, error) {
	prefix := s.kindPrefix(kind)
	var (
		ids   []string
		token *string
	)
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", kind, err)
		}
		for _, cp := range out.CommonPrefixes {
			if cp.Prefix == nil {
				continue
			}
			id := strings.TrimSuffix(strings.TrimPrefix(*cp.Prefix, prefix), "/")
			if id != "" {
				ids = append(ids, id)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return ids, nil
}

func (s *Store) get(ctx context.Context, key string) ([]byte, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", err
	}
	defer out.Body.Close()
	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read object %s: %w", key, err)
	}
	var etag string
	if out.ETag != nil {
		etag = *out.ETag
	}
	return raw, etag, nil
}

func (s *Store) put(ctx context.Context, key string, raw []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	return err
}

// putMetadata commits the save. With conditional writes on, the put carries
// If-Match when the entity was loaded before and If-None-Match: * when it is
// new, turning lost updates into store.ErrConflict.
func (s *Store) putMetadata(ctx context.Context, kind store.Kind, id string, raw []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.metadataKey(kind, id)),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	}
	if s.conditional {
		if etag := s.lastETag(kind, id); etag != "" {
			input.IfMatch = aws.String(etag)
		} else {
			input.IfNoneMatch = aws.String("*")
		}
	}
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("put metadata for %s/%s: %w", kind, id, store.ErrConflict)
		}
		return fmt.Errorf("put metadata for %s/%s: %w", kind, id, err)
	}
	if out.ETag != nil {
		s.rememberETag(kind, id, *out.ETag)
	}
	return nil
}

func (s *Store) rememberETag(kind store.Kind, id, etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(kind) + "/" + id
	if etag == "" {
		delete(s.etags, key)
		return
	}
	s.etags[key] = etag
}

func (s *Store) lastETag(kind store.Kind, id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.etags[string(kind)+"/"+id]
}

func (s *Store) kindPrefix(kind store.Kind) string {
	return path.Join(s.prefix, string(kind)) + "/"
}

func (s *Store) entityPrefix(kind store.Kind, id string) string {
	return path.Join(s.prefix, string(kind), id) + "/"
}

func (s *Store) metadataKey(kind store.Kind, id string) string {
	return path.Join(s.prefix, string(kind), id, "metadata.json")
}

func (s *Store) latestKey(kind store.Kind, id string) string {
	return path.Join(s.prefix, string(kind), id, "spec.json")
}

func (s *Store) versionKey(kind store.Kind, id, version string) string {
	return path.Join(s.prefix, string(kind), id, "versions", version, "spec.json")
}

// sortedVersions returns the entry's version strings in ascending semver
// order so the last element is the latest.
func sortedVersions(entry *store.Entry) []string {
	parsed := make([]*semver.Version, 0, len(entry.Versions))
	for v := range entry.Versions {
		sv, err := semver.NewVersion(v)
		if err != nil {
			continue
		}
		parsed = append(parsed, sv)
	}
	sort.Sort(semver.Collection(parsed))
	out := make([]string, len(parsed))
	for i, sv := range parsed {
		out[i] = sv.Original()
	}
	return out
}

func isNoSuchKey(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && strings.EqualFold(apiErr.ErrorCode(), "NoSuchKey")
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	return strings.EqualFold(code, "PreconditionFailed") || strings.EqualFold(code, "ConditionalRequestConflict")
}
