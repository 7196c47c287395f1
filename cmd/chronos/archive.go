package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/chronos"
	"github.com/hupe1980/chronos/blobstore"
	"github.com/hupe1980/chronos/blobstore/minio"
	"github.com/hupe1980/chronos/blobstore/s3"
)

// archivePrefix is the key prefix of snapshot blobs inside a store.
const archivePrefix = "snapshots"

var errNoArchive = errors.New("no archive configured")

// openArchive builds the snapshot archive described by cfg.Archive.
func openArchive(ctx context.Context, cfg chronos.Config, logger *chronos.Logger) (*blobstore.Archive, error) {
	a := cfg.Archive
	var store blobstore.BlobStore
	switch strings.ToLower(a.Kind) {
	case "":
		return nil, errNoArchive
	case "local":
		store = blobstore.NewLocalStore(a.Path)
	case "minio":
		client, err := minio.Dial(a.Endpoint, a.AccessKey, a.SecretKey, a.Region, a.Secure)
		if err != nil {
			return nil, fmt.Errorf("connect to minio: %w", err)
		}
		store = minio.NewStore(client, a.Bucket, a.Prefix)
	case "s3":
		s, err := s3.New(ctx, a.Bucket, a.Prefix, a.Region)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		store = s
	default:
		return nil, fmt.Errorf("%w: unsupported archive kind %q", chronos.ErrInvalidArgument, a.Kind)
	}
	return blobstore.NewArchive(store, archivePrefix, blobstore.WithLogger(logger)), nil
}
