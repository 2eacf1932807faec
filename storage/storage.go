// Package storage uploads job artifacts to S3 or an S3-compatible object store.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

const DefaultRegion = "us-east-1"

// Config is the per-job object storage configuration.
type Config struct {
	Bucket    string `json:"bucket" validate:"required"`
	AccessKey string `json:"access_key" validate:"required"`
	SecretKey string `json:"secret_key" validate:"required"`
	Region    string `json:"region,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	// EndpointURL selects an S3-compatible service addressed path style.
	EndpointURL string `json:"endpoint_url,omitempty" validate:"omitempty,url"`
}

// RegionOrDefault returns the configured region, or us-east-1.
func (c Config) RegionOrDefault() string {
	if c.Region == "" {
		return DefaultRegion
	}
	return c.Region
}

// ObjectKey returns the key an artifact named filename is stored under.
func (c Config) ObjectKey(filename string) string {
	return c.Prefix + filename
}

// URL returns the public address of key.
func (c Config) URL(key string) string {
	if c.EndpointURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(c.EndpointURL, "/"), c.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", c.Bucket, c.RegionOrDefault(), key)
}

// ContentTypeFor infers an image content type from the file extension.
func ContentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

// Store persists artifact bytes and returns the URL they can be fetched from.
type Store interface {
	Put(ctx context.Context, filename string, data []byte) (string, error)
}
