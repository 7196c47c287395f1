// Package s3 provides an S3 implementation of the blobstore.BlobStore interface.
//
// # Usage
//
//	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion("eu-central-1"))
//	store := s3.NewStore(awss3.NewFromConfig(cfg), "my-bucket", "chronos/")
//	archive := blobstore.NewArchive(store, "node-1")
//
// # Features
//
//   - Multipart uploads for large snapshots of unknown size
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
