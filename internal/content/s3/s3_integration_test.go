package s3

import (
	"context"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"gridoc/internal/content"
	"gridoc/internal/content/contenttest"
)

// TestS3Store runs the content store contract against a real bucket, e.g. a
// local MinIO or localstack. It is skipped unless S3_TEST_BUCKET is set.
func TestS3Store(t *testing.T) {
	bucket := os.Getenv("S3_TEST_BUCKET")
	if bucket == "" {
		t.Skip("S3_TEST_BUCKET not set")
	}
	pathStyle, _ := strconv.ParseBool(os.Getenv("S3_TEST_PATH_STYLE"))

	suite := &contenttest.Suite{
		NewStore: func(t *testing.T) content.Store {
			client, err := NewClient(context.Background(), &Config{
				Endpoint:        os.Getenv("S3_TEST_ENDPOINT"),
				Region:          os.Getenv("S3_TEST_REGION"),
				Bucket:          bucket,
				AccessKeyID:     os.Getenv("S3_TEST_ACCESS_KEY_ID"),
				SecretAccessKey: os.Getenv("S3_TEST_SECRET_ACCESS_KEY"),
				KeyPrefix:       "gridoc-test/",
				PartSize:        minPartSize,
				UsePathStyle:    pathStyle,
			})
			require.NoError(t, err)
			return client
		},
	}
	suite.Run(t)
}

func TestConfigValidate(t *testing.T) {
	conf := &Config{Bucket: "b", AccessKeyID: "id", SecretAccessKey: "secret"}
	require.NoError(t, conf.validate())
	require.Equal(t, int64(defaultPartSize), conf.PartSize)
	require.Equal(t, "us-east-1", conf.Region)

	require.Error(t, (&Config{Bucket: "b"}).validate())
	require.Error(t, (&Config{Bucket: "b", AccessKeyID: "id", SecretAccessKey: "s", PartSize: 1024}).validate())
}
