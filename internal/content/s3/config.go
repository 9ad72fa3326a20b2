package s3

import (
	"fmt"
)

const (
	minPartSize     = 5 * 1024 * 1024
	defaultPartSize = 8 * 1024 * 1024
)

type Config struct {
	Endpoint        string `mapstructure:"Endpoint"`
	Region          string `mapstructure:"Region"`
	Bucket          string `mapstructure:"Bucket"`
	AccessKeyID     string `mapstructure:"AccessKeyID"`
	SecretAccessKey string `mapstructure:"SecretAccessKey"`
	KeyPrefix       string `mapstructure:"KeyPrefix"`
	PartSize        int64  `mapstructure:"PartSize"`
	UsePathStyle    bool   `mapstructure:"UsePathStyle"`
}

// validate checks the settings and fills in defaults.
func (c *Config) validate() error {
	if c.AccessKeyID == "" || c.SecretAccessKey == "" || c.Bucket == "" {
		return fmt.Errorf("missing required configuration: accessKeyID, secretAccessKey, and bucket are required")
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.PartSize == 0 {
		c.PartSize = defaultPartSize
	}
	if c.PartSize < minPartSize {
		return fmt.Errorf("part size must be at least %d bytes, got %d", minPartSize, c.PartSize)
	}
	return nil
}
