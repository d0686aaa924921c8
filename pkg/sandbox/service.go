// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
	"github.com/DIRACGrid/diracx-sub002/pkg/logger"
	"github.com/DIRACGrid/diracx-sub002/pkg/storage"
)

// Defaults for the installation-configurable limits.
const (
	DefaultMaxSandboxSize = 100 * 1024 * 1024
	DefaultURLValidity    = 5 * time.Minute
	DefaultRetention      = 15 * 24 * time.Hour
)

// Presigner is the slice of the S3 presign client the service uses.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPostObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignPostOptions)) (*s3.PresignedPostRequest, error)
}

// ObjectDeleter is the slice of the S3 client the cleaner uses.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Config holds the sandbox service settings.
type Config struct {
	Bucket string

	// S3 endpoint and credentials. Endpoint may point at any
	// S3-compatible store.
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// MaxSandboxSize caps uploads; larger requests fail with 400.
	MaxSandboxSize int64

	// URLValidity bounds the lifetime of presigned URLs.
	URLValidity time.Duration

	// Retention is how long an unassigned sandbox survives without
	// access before Clean removes it.
	Retention time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxSandboxSize <= 0 {
		c.MaxSandboxSize = DefaultMaxSandboxSize
	}
	if c.URLValidity <= 0 {
		c.URLValidity = DefaultURLValidity
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
}

// Service implements the sandbox upload protocol over a metadata store
// and an S3-compatible object store.
type Service struct {
	store     *MetadataStore
	presigner Presigner
	deleter   ObjectDeleter
	cfg       Config
	now       func() time.Time
}

// NewService builds a sandbox service with a real S3 client. Static
// credentials from the settings win; otherwise the ambient AWS
// credential chain is used.
func NewService(ctx context.Context, store *MetadataStore, cfg Config) (*Service, error) {
	cfg.applyDefaults()

	var awsCfg aws.Config
	if cfg.AccessKeyID != "" {
		awsCfg = aws.Config{
			Region: cfg.Region,
			Credentials: credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		}
	} else {
		var err error
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("loading aws credentials: %w", err)
		}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})
	return &Service{
		store:     store,
		presigner: s3.NewPresignClient(client),
		deleter:   client,
		cfg:       cfg,
		now:       time.Now,
	}, nil
}

// NewServiceWithClients builds a sandbox service with explicit S3
// clients. Used by tests.
func NewServiceWithClients(store *MetadataStore, presigner Presigner, deleter ObjectDeleter, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{store: store, presigner: presigner, deleter: deleter, cfg: cfg, now: time.Now}
}

// UploadResponse is the result of an upload initiation. URL is empty
// when the sandbox already exists and no upload is needed.
type UploadResponse struct {
	PFN       string            `json:"pfn"`
	URL       string            `json:"url,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	ExpiresIn int               `json:"expires_in,omitempty"`
}

// DownloadResponse carries a presigned GET URL.
type DownloadResponse struct {
	URL       string `json:"url"`
	ExpiresIn int    `json:"expires_in"`
}

// InitiateUpload computes the canonical PFN for the described sandbox
// and either confirms it already exists or returns a presigned POST
// whose policy pins the exact size and checksum. The URL is the
// authoritative gate: mismatching content is rejected by the store
// itself.
func (s *Service) InitiateUpload(ctx context.Context, owner Owner, info Info) (*UploadResponse, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if info.Size > s.cfg.MaxSandboxSize {
		return nil, apierror.NewInvalidRequestError("Sandbox too large", nil)
	}

	pfn := PFN(s.cfg.Bucket, owner, info)

	_, err := s.store.Get(ctx, pfn)
	if err == nil {
		// Content-addressed: the payload is already there.
		if err := s.store.Touch(ctx, pfn); err != nil {
			return nil, err
		}
		return &UploadResponse{PFN: pfn}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if err := s.store.Insert(ctx, &Record{
		PFN:        pfn,
		VO:         owner.VO,
		OwnerGroup: owner.Group,
		Owner:      owner.Username,
		Size:       info.Size,
	}); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return nil, err
	}

	rawChecksum, err := info.ChecksumBytes()
	if err != nil {
		return nil, apierror.NewInvalidRequestError("checksum is not valid hex", err)
	}
	checksumField := "x-amz-checksum-" + info.ChecksumAlgorithm
	checksumValue := base64.URLEncoding.EncodeToString(rawChecksum)

	key, err := Key(s.cfg.Bucket, pfn)
	if err != nil {
		return nil, err
	}

	post, err := s.presigner.PresignPostObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignPostOptions) {
		o.Expires = s.cfg.URLValidity
		o.Conditions = []interface{}{
			[]interface{}{"content-length-range", info.Size, info.Size},
			map[string]string{"x-amz-checksum-algorithm": strings.ToUpper(info.ChecksumAlgorithm)},
			map[string]string{checksumField: checksumValue},
		}
	})
	if err != nil {
		return nil, fmt.Errorf("presigning sandbox upload: %w", err)
	}

	fields := make(map[string]string, len(post.Values)+2)
	for k, v := range post.Values {
		fields[k] = v
	}
	fields["x-amz-checksum-algorithm"] = strings.ToUpper(info.ChecksumAlgorithm)
	fields[checksumField] = checksumValue

	logger.Infow("initiated sandbox upload", "pfn", pfn, "size", info.Size)
	return &UploadResponse{
		PFN:       pfn,
		URL:       post.URL,
		Fields:    fields,
		ExpiresIn: int(s.cfg.URLValidity.Seconds()),
	}, nil
}

// Download returns a presigned GET URL for a PFN inside the caller's
// own namespace.
func (s *Service) Download(ctx context.Context, owner Owner, pfn string) (*DownloadResponse, error) {
	if err := CheckOwnership(s.cfg.Bucket, owner, pfn); err != nil {
		return nil, err
	}
	if _, err := s.store.Get(ctx, pfn); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierror.NewNotFoundError(fmt.Sprintf("sandbox %s not found", pfn), nil)
		}
		return nil, err
	}
	if err := s.store.Touch(ctx, pfn); err != nil {
		return nil, err
	}

	key, err := Key(s.cfg.Bucket, pfn)
	if err != nil {
		return nil, err
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = s.cfg.URLValidity
	})
	if err != nil {
		return nil, fmt.Errorf("presigning sandbox download: %w", err)
	}
	return &DownloadResponse{URL: req.URL, ExpiresIn: int(s.cfg.URLValidity.Seconds())}, nil
}

// Assign marks a sandbox as attached to a job, protecting it from the
// cleaner.
func (s *Service) Assign(ctx context.Context, owner Owner, pfn string, assigned bool) error {
	if err := CheckOwnership(s.cfg.Bucket, owner, pfn); err != nil {
		return err
	}
	err := s.store.SetAssigned(ctx, pfn, assigned)
	if errors.Is(err, storage.ErrNotFound) {
		return apierror.NewNotFoundError(fmt.Sprintf("sandbox %s not found", pfn), nil)
	}
	return err
}

// Clean removes unassigned sandboxes not accessed within the retention
// period: first the metadata row, then the object. Returns the number
// of sandboxes removed.
func (s *Service) Clean(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.Retention)
	stale, err := s.store.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, pfn := range stale {
		key, err := Key(s.cfg.Bucket, pfn)
		if err != nil {
			logger.Warnw("skipping malformed stale pfn", "pfn", pfn)
			continue
		}
		if err := s.store.Delete(ctx, pfn); err != nil {
			return removed, err
		}
		if _, err := s.deleter.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		}); err != nil {
			logger.Warnw("failed to delete sandbox object", "pfn", pfn, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Infow("cleaned stale sandboxes", "count", removed)
	}
	return removed, nil
}
