package store

import (
	"strings"
)

// Opts holds configuration for the blob store backends.
type Opts struct {
	// DSN is the SQLite file path or the Postgres connection string.
	DSN string
	// Dir is the root directory of a filesystem store.
	Dir string

	// S3 settings.
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Option defines a configuration option for a blob store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithDir sets the root directory of a filesystem store.
func WithDir(dir string) Option {
	return func(o *Opts) { o.Dir = dir }
}

// WithBucket sets the S3 bucket and optional key prefix.
func WithBucket(bucket, prefix string) Option {
	return func(o *Opts) {
		o.Bucket = bucket
		o.Prefix = prefix
	}
}

// WithRegion sets the S3 region.
func WithRegion(region string) Option {
	return func(o *Opts) { o.Region = region }
}

// WithEndpoint points the S3 client at an S3-compatible endpoint (MinIO etc).
func WithEndpoint(endpoint string) Option {
	return func(o *Opts) { o.Endpoint = endpoint }
}

// WithStaticCredentials sets explicit S3 credentials. When unset the default
// AWS credential chain is used.
func WithStaticCredentials(accessKey, secretKey string) Option {
	return func(o *Opts) {
		o.AccessKey = accessKey
		o.SecretKey = secretKey
	}
}

// Backend type names returned by DetectDSNType.
const (
	BackendS3       = "s3"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendFile     = "file"
)

// DetectDSNType determines which backend a location string refers to.
//
//	s3://bucket/prefix            -> s3
//	postgres://... or host=...    -> postgres
//	*.db, *.sqlite, *.sqlite3     -> sqlite
//	anything else                 -> file (a directory)
func DetectDSNType(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "s3://"):
		return BackendS3
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		return BackendPostgres
	case strings.HasSuffix(dsn, ".db"), strings.HasSuffix(dsn, ".sqlite"), strings.HasSuffix(dsn, ".sqlite3"):
		return BackendSQLite
	default:
		return BackendFile
	}
}

// ParseS3URL splits s3://bucket/prefix into bucket and prefix.
func ParseS3URL(u string) (bucket, prefix string) {
	rest := strings.TrimPrefix(u, "s3://")
	bucket, prefix, _ = strings.Cut(rest, "/")
	return bucket, strings.Trim(prefix, "/")
}
