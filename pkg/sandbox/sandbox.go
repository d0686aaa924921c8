// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

// Package sandbox mediates access to the sandbox object store. Clients
// never talk to the service for payload bytes: uploads and downloads go
// through pre-signed S3 URLs, and the service only keeps metadata.
package sandbox

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/DIRACGrid/diracx-sub002/pkg/apierror"
)

// ChecksumSHA256 is the only accepted checksum algorithm.
const ChecksumSHA256 = "sha256"

// Info describes a sandbox a client wants to upload.
type Info struct {
	ChecksumAlgorithm string `json:"checksum_algorithm"`
	Checksum          string `json:"checksum"`
	Size              int64  `json:"size"`
	Format            string `json:"format"`
}

var (
	checksumPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
	formatPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.]*$`)
)

// Validate checks the structural fields of an upload request. Size
// limits are enforced separately by the service.
func (i Info) Validate() error {
	if i.ChecksumAlgorithm != ChecksumSHA256 {
		return apierror.NewInvalidRequestError(
			fmt.Sprintf("unsupported checksum algorithm %q", i.ChecksumAlgorithm), nil)
	}
	if !checksumPattern.MatchString(i.Checksum) {
		return apierror.NewInvalidRequestError("checksum must be 64 lowercase hex characters", nil)
	}
	if i.Size <= 0 {
		return apierror.NewInvalidRequestError("size must be positive", nil)
	}
	if !formatPattern.MatchString(i.Format) {
		return apierror.NewInvalidRequestError(fmt.Sprintf("invalid format %q", i.Format), nil)
	}
	return nil
}

// ChecksumBytes decodes the hex checksum into its raw form.
func (i Info) ChecksumBytes() ([]byte, error) {
	return hex.DecodeString(i.Checksum)
}

// Owner is the sandbox namespace of one caller. PFNs embed it and the
// download path enforces it.
type Owner struct {
	VO       string
	Group    string
	Username string
}

// prefix is the PFN prefix owned by this caller within a bucket.
func (o Owner) prefix(bucket string) string {
	return "/" + bucket + "/" + o.VO + "/" + o.Group + "/" + o.Username + "/"
}

// PFN computes the canonical physical file name of a sandbox:
// /{bucket}/{vo}/{group}/{user}/{algo}:{checksum}.{format}. Content
// addressing makes re-uploads of identical payloads free.
func PFN(bucket string, owner Owner, info Info) string {
	return owner.prefix(bucket) +
		info.ChecksumAlgorithm + ":" + info.Checksum + "." + info.Format
}

// Key returns the object key of a PFN within its bucket.
func Key(bucket, pfn string) (string, error) {
	key, ok := strings.CutPrefix(pfn, "/"+bucket+"/")
	if !ok || key == "" {
		return "", apierror.NewInvalidRequestError("Invalid PFN", nil)
	}
	return key, nil
}

// CheckOwnership rejects PFNs outside the caller's namespace. The
// error is the same for malformed and foreign PFNs.
func CheckOwnership(bucket string, owner Owner, pfn string) error {
	if !strings.HasPrefix(pfn, owner.prefix(bucket)) {
		return apierror.NewInvalidRequestError("Invalid PFN", nil)
	}
	return nil
}
