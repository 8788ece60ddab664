package duck

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDuck_ValidateStorageURI(t *testing.T) {
	t.Parallel()

	t.Run("accepts_file_and_s3_uris", func(t *testing.T) {
		t.Parallel()

		require.NoError(t, ValidateStorageURI("file:///var/lib/lake/data"))
		require.NoError(t, ValidateStorageURI("file://.tmp/lake/data"))
		require.NoError(t, ValidateStorageURI("s3://my-bucket/lake/data"))
	})

	t.Run("rejects_other_schemes_and_empty", func(t *testing.T) {
		t.Parallel()

		require.Error(t, ValidateStorageURI(""))
		require.Error(t, ValidateStorageURI("file://"))
		require.Error(t, ValidateStorageURI("gs://bucket/path"))
		require.Error(t, ValidateStorageURI("/plain/path"))
	})

	t.Run("rejects_bad_bucket_names", func(t *testing.T) {
		t.Parallel()

		require.Error(t, ValidateStorageURI("s3://"))
		require.Error(t, ValidateStorageURI("s3://ab"))
	})
}

func TestDuck_ResolveStoragePath(t *testing.T) {
	t.Parallel()

	t.Run("file_uri_becomes_absolute_path_and_is_created", func(t *testing.T) {
		t.Parallel()

		dir := filepath.Join(t.TempDir(), "lake", "data")
		path, err := ResolveStoragePath("file://" + dir)
		require.NoError(t, err)
		require.True(t, filepath.IsAbs(path))
		require.DirExists(t, path)
	})

	t.Run("s3_uri_passes_through_without_trailing_slash", func(t *testing.T) {
		t.Parallel()

		path, err := ResolveStoragePath("s3://my-bucket/lake/data/")
		require.NoError(t, err)
		require.Equal(t, "s3://my-bucket/lake/data", path)
	})
}

func TestDuck_LoadS3ConfigFromEnv(t *testing.T) {
	t.Run("absent_keys_mean_credential_chain", func(t *testing.T) {
		t.Setenv("S3_ACCESS_KEY_ID", "")
		t.Setenv("AWS_ACCESS_KEY_ID", "")
		t.Setenv("S3_SECRET_ACCESS_KEY", "")
		t.Setenv("AWS_SECRET_ACCESS_KEY", "")

		cfg, err := LoadS3ConfigFromEnv()
		require.NoError(t, err)
		require.Nil(t, cfg)
	})

	t.Run("minio_endpoint_defaults_to_path_style_no_ssl", func(t *testing.T) {
		t.Setenv("S3_ACCESS_KEY_ID", "minio")
		t.Setenv("S3_SECRET_ACCESS_KEY", "minio123")
		t.Setenv("S3_ENDPOINT", "http://localhost:9000")
		t.Setenv("S3_REGION", "")
		t.Setenv("AWS_REGION", "")
		t.Setenv("S3_USE_SSL", "")
		t.Setenv("S3_URL_STYLE", "")

		cfg, err := LoadS3ConfigFromEnv()
		require.NoError(t, err)
		require.NotNil(t, cfg)
		require.False(t, cfg.UseSSL)
		require.Equal(t, "path", cfg.URLStyle)
		require.Equal(t, "us-east-1", cfg.Region)
	})

	t.Run("key_without_secret_is_an_error", func(t *testing.T) {
		t.Setenv("S3_ACCESS_KEY_ID", "minio")
		t.Setenv("AWS_ACCESS_KEY_ID", "")
		t.Setenv("S3_SECRET_ACCESS_KEY", "")
		t.Setenv("AWS_SECRET_ACCESS_KEY", "")

		_, err := LoadS3ConfigFromEnv()
		require.Error(t, err)
	})
}
