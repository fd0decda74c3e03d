package kss

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/logger"
)

// S3API is the part of the S3 client the driver uses
type S3API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 is the implementation of the KSSDriver for AWS S3
type S3 struct {
	client      S3API
	uploader    *manager.Uploader
	bucket      string
	baseKeyName string
}

// NewS3 returns a new S3 driver
func NewS3(ctx context.Context, kssConfig S3Configuration) (*S3, error) {
	if kssConfig.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	options := []func(*config.LoadOptions) error{config.WithRegion(kssConfig.AWSRegion)}
	if kssConfig.AccessID != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(kssConfig.AccessID, kssConfig.AccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if kssConfig.Endpoint != "" {
			o.EndpointResolver = s3.EndpointResolverFromURL(kssConfig.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Default().Debugln("KSS S3 enabled")
	return NewS3WithClient(client, kssConfig.AWSBucketName, kssConfig.KeyPrefix), nil
}

// NewS3WithClient returns a driver on top of an existing client
func NewS3WithClient(client S3API, bucket, keyPrefix string) *S3 {
	return &S3{
		client:      client,
		uploader:    manager.NewUploader(client),
		bucket:      bucket,
		baseKeyName: keyPrefix,
	}
}

// Upload uploads body into key. Large bodies are sent as multipart uploads.
func (s *S3) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return core.StorageErr(err, "failed to upload '%s'", key)
	}
	logger.FromContext(ctx).Infoln("Uploaded ", s.baseKeyName+key)
	return nil
}

// Download opens key for reading
func (s *S3) Download(ctx context.Context, key string) (io.ReadCloser, *Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, nil, notFound(key)
		}
		return nil, nil, core.StorageErr(err, "could not get '%s'", key)
	}
	object := &Object{
		Key:         key,
		Size:        out.ContentLength,
		ContentType: aws.ToString(out.ContentType),
	}
	if out.LastModified != nil {
		object.LastModified = out.LastModified.UTC()
	}
	return out.Body, object, nil
}

// List lists all objects whose key starts with prefix
func (s *S3) List(ctx context.Context, prefix string) ([]Object, error) {
	objects := []Object{}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.baseKeyName + prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			logger.FromContext(ctx).Error("Could not ListObjectsV2 from ", s.bucket)
			return nil, core.StorageErr(err, "could not list '%s'", prefix)
		}
		for _, item := range page.Contents {
			object := Object{
				Key:  strings.TrimPrefix(aws.ToString(item.Key), s.baseKeyName),
				Size: item.Size,
			}
			if item.LastModified != nil {
				object.LastModified = item.LastModified.UTC()
			}
			objects = append(objects, object)
		}
	}
	return objects, nil
}

// Delete deletes the key object. S3 does not report missing keys, so neither does Delete.
func (s *S3) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	})
	if err != nil {
		logger.FromContext(ctx).Error("Could not delete ", s.baseKeyName+key)
		return core.StorageErr(err, "could not delete '%s'", key)
	}
	logger.FromContext(ctx).Infoln("Deleted ", s.baseKeyName+key)
	return nil
}
