// Package kss stores large objects outside of the database. There are two
// drivers: a local file system and AWS S3.
package kss

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/relabs-tech/bastion/core"
)

// Object describes a stored object
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// Driver defines the interface for the KSS service. Missing keys report core.ErrNotFound.
type Driver interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) error
	Download(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	List(ctx context.Context, prefix string) ([]Object, error)
	Delete(ctx context.Context, key string) error
}

// DriverType represents the different type of KSS Drivers
type DriverType string

// DriverTypeLocal is the local filesystem implementation of the KSS service
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the AWS S3 implementation of the KSS service
const DriverTypeAWSS3 DriverType = "AWSS3"

// None is used when there is no KSS implementation
const None DriverType = ""

// Configuration contains the configuration for the KSS service
type Configuration struct {
	DriverType         DriverType
	LocalConfiguration *LocalConfiguration
	S3Configuration    *S3Configuration
}

// LocalConfiguration contains the configuration for the local filesystem KSS service
type LocalConfiguration struct {
	BasePath string
}

// S3Configuration contains the configuration for the S3 KSS service. Empty
// credentials fall back to the default AWS credential chain.
type S3Configuration struct {
	AWSBucketName string
	AWSRegion     string
	AccessID      string
	AccessKey     string
	KeyPrefix     string
	Endpoint      string
}

// New returns the driver selected by config, or nil for None
func New(ctx context.Context, config Configuration) (Driver, error) {
	switch config.DriverType {
	case None:
		return nil, nil
	case DriverTypeLocal:
		if config.LocalConfiguration == nil {
			return nil, fmt.Errorf("kss expecting a configuration for local KSS, but got nothing")
		}
		return NewLocalFilesystem(*config.LocalConfiguration)
	case DriverTypeAWSS3:
		if config.S3Configuration == nil {
			return nil, fmt.Errorf("kss expecting a configuration for S3 KSS, but got nothing")
		}
		return NewS3(ctx, *config.S3Configuration)
	}
	return nil, fmt.Errorf("unknown kss driver type '%s'", config.DriverType)
}

// ValidateKey checks that key is a relative slash separated path without
// empty or dot segments
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return core.Errorf(core.KindValidation, "invalid object key '%s'", key).WithParams("key")
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." || strings.ContainsRune(segment, '\\') {
			return core.Errorf(core.KindValidation, "invalid object key '%s'", key).WithParams("key")
		}
	}
	return nil
}

func notFound(key string) error {
	return core.Errorf(core.KindNotFound, "object '%s' not found", key)
}
