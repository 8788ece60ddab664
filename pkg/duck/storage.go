package duck

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds configuration for S3-compatible storage (AWS S3, MinIO, etc.)
type S3Config struct {
	AccessKeyID     string // S3 access key ID
	SecretAccessKey string // S3 secret access key
	Endpoint        string // S3 endpoint URL (e.g., "http://localhost:9000" for MinIO, empty for AWS)
	Region          string // S3 region (e.g., "us-east-1")
	UseSSL          bool   // Whether to use SSL/TLS (typically false for MinIO, true for AWS)
	URLStyle        string // URL style: "path" (for MinIO) or "virtual" (for AWS S3)
}

// ValidateStorageURI checks that a table output location is file:// or s3://.
func ValidateStorageURI(uri string) error {
	if uri == "" {
		return fmt.Errorf("storage URI is required")
	}

	if path, found := strings.CutPrefix(uri, "file://"); found {
		if path == "" {
			return fmt.Errorf("storage URI file:// path cannot be empty")
		}
		return nil
	}

	if strings.HasPrefix(uri, "s3://") {
		parsed, err := url.Parse(uri)
		if err != nil {
			return fmt.Errorf("invalid s3:// URI format: %w", err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("s3:// URI must include a bucket name (e.g., s3://bucket-name/path)")
		}
		bucket := parsed.Host
		if len(bucket) < 3 || len(bucket) > 63 {
			return fmt.Errorf("s3 bucket name must be between 3 and 63 characters")
		}
		return nil
	}

	return fmt.Errorf("storage URI must start with file:// or s3:// (got: %q)", uri)
}

// ResolveStoragePath converts a storage URI into the path the engine writes
// to. file:// URIs become absolute local paths (created if missing); s3://
// URIs pass through unchanged.
func ResolveStoragePath(uri string) (string, error) {
	if err := ValidateStorageURI(uri); err != nil {
		return "", err
	}
	if path, found := strings.CutPrefix(uri, "file://"); found {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path for storage directory: %w", err)
		}
		if err := os.MkdirAll(abs, 0755); err != nil {
			return "", fmt.Errorf("failed to create storage directory: %w", err)
		}
		return abs, nil
	}
	return strings.TrimRight(uri, "/"), nil
}

// ConfigureStorage prepares the engine for the given storage URI. For s3://
// destinations it installs the httpfs extension and creates an S3 secret
// from cfg; for file:// destinations it is a no-op.
func ConfigureStorage(ctx context.Context, log *slog.Logger, db DB, storageURI string, cfg *S3Config) error {
	if err := ValidateStorageURI(storageURI); err != nil {
		return err
	}
	if !strings.HasPrefix(storageURI, "s3://") {
		return nil
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	for _, ext := range []string{"httpfs", "aws"} {
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("INSTALL '%s'", ext)); err != nil {
			return fmt.Errorf("failed to install extension %s: %w", ext, err)
		}
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("LOAD '%s'", ext)); err != nil {
			return fmt.Errorf("failed to load extension %s: %w", ext, err)
		}
	}

	// Without explicit credentials, fall back to the default AWS credential
	// chain (env vars, instance metadata, config files).
	secretSQL := "CREATE SECRET IF NOT EXISTS tunelake_s3 (TYPE s3"
	if cfg != nil && cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		secretSQL += fmt.Sprintf(", KEY_ID '%s'", strings.ReplaceAll(cfg.AccessKeyID, "'", "''"))
		secretSQL += fmt.Sprintf(", SECRET '%s'", strings.ReplaceAll(cfg.SecretAccessKey, "'", "''"))
	} else {
		secretSQL += ", PROVIDER credential_chain"
	}
	if cfg != nil {
		if cfg.Endpoint != "" {
			// The secret ENDPOINT expects host:port, not a full URL.
			endpoint := strings.TrimPrefix(cfg.Endpoint, "http://")
			endpoint = strings.TrimPrefix(endpoint, "https://")
			secretSQL += fmt.Sprintf(", ENDPOINT '%s'", endpoint)
		}
		if cfg.Region != "" {
			secretSQL += fmt.Sprintf(", REGION '%s'", cfg.Region)
		}
		urlStyle := cfg.URLStyle
		if urlStyle == "" {
			urlStyle = "path"
		}
		secretSQL += fmt.Sprintf(", URL_STYLE '%s'", urlStyle)
		secretSQL += fmt.Sprintf(", USE_SSL %t", cfg.UseSSL)
	}
	secretSQL += ")"

	if _, err := conn.ExecContext(ctx, secretSQL); err != nil {
		return fmt.Errorf("failed to create S3 secret: %w", err)
	}

	if cfg != nil {
		log.Info("configured S3 storage", "endpoint", cfg.Endpoint, "region", cfg.Region)
	} else {
		log.Info("configured S3 storage using default credential chain")
	}
	return nil
}

// LoadS3ConfigFromEnv loads S3 configuration from environment variables.
// Supports both AWS S3 and MinIO.
//
// Environment variables:
//   - S3_ACCESS_KEY_ID or AWS_ACCESS_KEY_ID
//   - S3_SECRET_ACCESS_KEY or AWS_SECRET_ACCESS_KEY
//   - S3_ENDPOINT (optional, for MinIO: "http://localhost:9000")
//   - S3_REGION or AWS_REGION (optional, defaults to "us-east-1")
//   - S3_USE_SSL (optional, "true"/"false")
//   - S3_URL_STYLE (optional, "path" or "virtual")
//
// Returns nil with no error when neither key is set, in which case the
// engine uses the default AWS credential chain.
func LoadS3ConfigFromEnv() (*S3Config, error) {
	accessKeyID := os.Getenv("S3_ACCESS_KEY_ID")
	if accessKeyID == "" {
		accessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	secretAccessKey := os.Getenv("S3_SECRET_ACCESS_KEY")
	if secretAccessKey == "" {
		secretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}

	if accessKeyID == "" && secretAccessKey == "" {
		return nil, nil
	}
	if accessKeyID == "" && secretAccessKey != "" {
		return nil, fmt.Errorf("S3_SECRET_ACCESS_KEY or AWS_SECRET_ACCESS_KEY is set but S3_ACCESS_KEY_ID or AWS_ACCESS_KEY_ID is missing")
	}
	if accessKeyID != "" && secretAccessKey == "" {
		return nil, fmt.Errorf("S3_ACCESS_KEY_ID or AWS_ACCESS_KEY_ID is set but S3_SECRET_ACCESS_KEY or AWS_SECRET_ACCESS_KEY is missing")
	}

	endpoint := os.Getenv("S3_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("AWS_ENDPOINT_URL")
	}
	region := os.Getenv("S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	isMinIO := endpoint != "" && !strings.Contains(endpoint, "amazonaws.com")

	useSSL := !isMinIO
	urlStyle := "path"
	if useSSLStr := os.Getenv("S3_USE_SSL"); useSSLStr != "" {
		useSSL = useSSLStr == "true" || useSSLStr == "1"
	}
	if urlStyleEnv := os.Getenv("S3_URL_STYLE"); urlStyleEnv != "" {
		urlStyle = urlStyleEnv
	}

	return &S3Config{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		Endpoint:        endpoint,
		Region:          region,
		UseSSL:          useSSL,
		URLStyle:        urlStyle,
	}, nil
}

// PrepareS3ConfigForStorageURI loads S3 config from the environment when the
// storage URI is s3://, and bootstraps the bucket for localhost MinIO. For
// file:// storage it returns nil.
func PrepareS3ConfigForStorageURI(ctx context.Context, log *slog.Logger, storageURI string) (*S3Config, error) {
	if !strings.HasPrefix(storageURI, "s3://") {
		return nil, nil
	}

	s3Config, err := LoadS3ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 configuration: %w", err)
	}

	if s3Config != nil {
		isMinIO := s3Config.Endpoint != "" && !strings.Contains(s3Config.Endpoint, "amazonaws.com")
		if isMinIO {
			if s3Config.AccessKeyID == "" || s3Config.SecretAccessKey == "" {
				return nil, fmt.Errorf("MinIO requires both S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY to be set (endpoint: %s)", s3Config.Endpoint)
			}
		}
		if err := EnsureMinIOBucket(ctx, log, storageURI, s3Config); err != nil {
			return nil, fmt.Errorf("failed to ensure MinIO bucket exists: %w", err)
		}
	}

	return s3Config, nil
}

// EnsureMinIOBucket creates the destination bucket when the endpoint is a
// localhost MinIO instance. Non-local endpoints are left alone.
func EnsureMinIOBucket(ctx context.Context, log *slog.Logger, storageURI string, cfg *S3Config) error {
	if cfg.Endpoint == "" {
		return nil
	}

	endpoint := strings.TrimPrefix(cfg.Endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	if !strings.HasPrefix(endpoint, "localhost") && !strings.HasPrefix(endpoint, "127.0.0.1") && !strings.Contains(endpoint, "host.docker.internal") {
		return nil
	}

	if !strings.HasPrefix(storageURI, "s3://") {
		return nil
	}
	path := strings.TrimPrefix(storageURI, "s3://")
	bucketName := strings.SplitN(path, "/", 2)[0]
	if bucketName == "" {
		return nil
	}

	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return fmt.Errorf("MinIO requires both S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY to be set")
	}
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return fmt.Errorf("failed to create AWS config: %w", err)
	}

	endpointURL := cfg.Endpoint
	if !strings.HasPrefix(endpointURL, "http://") && !strings.HasPrefix(endpointURL, "https://") {
		endpointURL = "http://" + endpointURL
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = &endpointURL
		o.UsePathStyle = true // required for MinIO
	})

	_, err = s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &bucketName})
	if err == nil {
		return nil
	}

	log.Info("creating MinIO bucket", "bucket", bucketName, "endpoint", cfg.Endpoint)
	if _, err := s3Client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &bucketName}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucketName, err)
	}

	log.Info("created MinIO bucket", "bucket", bucketName)
	return nil
}
