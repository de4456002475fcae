package connectors

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrStoreDisabled is returned when an s3:// location is used without an
// object store endpoint.
var ErrStoreDisabled = errors.New("object store not configured")

// ObjectStoreConfig holds S3-compatible connection settings.
type ObjectStoreConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// ObjectStore opens and lists parquet objects in an S3-compatible store.
type ObjectStore struct {
	mc      *minio.Client
	enabled bool
}

// NewObjectStore creates an object store client. An empty endpoint yields a
// disabled store on which every call returns ErrStoreDisabled.
func NewObjectStore(cfg ObjectStoreConfig) (*ObjectStore, error) {
	if cfg.Endpoint == "" {
		return &ObjectStore{}, nil
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &ObjectStore{mc: mc, enabled: true}, nil
}

// Open returns a seekable handle on an object. The caller must Close it.
func (s *ObjectStore) Open(ctx context.Context, bucket, key string) (*minio.Object, error) {
	if s == nil || !s.enabled {
		return nil, ErrStoreDisabled
	}
	obj, err := s.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	// GetObject is lazy; Stat surfaces missing objects before parquet parsing.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("stat s3://%s/%s: %w", bucket, key, err)
	}
	return obj, nil
}

// Upload copies a local file to bucket/key.
func (s *ObjectStore) Upload(ctx context.Context, bucket, key, path string) error {
	if s == nil || !s.enabled {
		return ErrStoreDisabled
	}
	_, err := s.mc.FPutObject(ctx, bucket, key, path, minio.PutObjectOptions{ContentType: "application/vnd.apache.parquet"})
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// List returns the keys under prefix that end in .parquet, in lexical order.
func (s *ObjectStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	if s == nil || !s.enabled {
		return nil, ErrStoreDisabled
	}
	var keys []string
	for obj := range s.mc.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, obj.Err)
		}
		if strings.HasSuffix(obj.Key, ".parquet") {
			keys = append(keys, obj.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Location is a parsed source or sink address.
type Location struct {
	Scheme string // "file" or "s3"
	Bucket string
	Path   string // local path, or object key / prefix
}

func (l Location) String() string {
	if l.Scheme == "s3" {
		return "s3://" + l.Bucket + "/" + l.Path
	}
	return l.Path
}

// ParseLocation parses a local path, a file:// URI or an s3://bucket/key URI.
func ParseLocation(uri string) (Location, error) {
	switch {
	case strings.HasPrefix(uri, "s3://"):
		rest := strings.TrimPrefix(uri, "s3://")
		bucket, key, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return Location{}, fmt.Errorf("location %q: missing bucket", uri)
		}
		return Location{Scheme: "s3", Bucket: bucket, Path: key}, nil
	case strings.HasPrefix(uri, "file://"):
		return Location{Scheme: "file", Path: strings.TrimPrefix(uri, "file://")}, nil
	case strings.Contains(uri, "://"):
		return Location{}, fmt.Errorf("location %q: unsupported scheme", uri)
	case uri == "":
		return Location{}, fmt.Errorf("empty location")
	default:
		return Location{Scheme: "file", Path: uri}, nil
	}
}

// ExpandSources resolves glob patterns and s3 prefixes ending in "/" into
// individual parquet locations, preserving the order of uris and sorting the
// matches of each pattern lexically.
func ExpandSources(ctx context.Context, store *ObjectStore, uris []string) ([]string, error) {
	var out []string
	for _, uri := range uris {
		loc, err := ParseLocation(uri)
		if err != nil {
			return nil, err
		}
		switch {
		case loc.Scheme == "s3" && (loc.Path == "" || strings.HasSuffix(loc.Path, "/")):
			keys, err := store.List(ctx, loc.Bucket, loc.Path)
			if err != nil {
				return nil, err
			}
			for _, k := range keys {
				out = append(out, "s3://"+loc.Bucket+"/"+k)
			}
		case loc.Scheme == "file" && strings.ContainsAny(loc.Path, "*?["):
			matches, err := filepath.Glob(loc.Path)
			if err != nil {
				return nil, fmt.Errorf("glob %q: %w", loc.Path, err)
			}
			sort.Strings(matches)
			out = append(out, matches...)
		default:
			out = append(out, uri)
		}
	}
	return out, nil
}
