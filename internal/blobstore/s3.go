// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"bytes"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3 is a Store backed by Amazon S3 or an S3-compatible object store
// (including Minio, by setting Endpoint/ForcePathStyle), adapted from the
// teacher's internal/s3cache and internal/miniocache.
type S3 struct {
	api    s3iface.S3API
	bucket string
	prefix string
}

// S3Config configures an S3 store. Endpoint and ForcePathStyle are only
// needed for S3-compatible services other than AWS (e.g. Minio).
type S3Config struct {
	Region         string
	Bucket         string
	Prefix         string
	Endpoint       string
	ForcePathStyle bool
	DisableSSL     bool
}

// NewS3 constructs an S3 store from cfg.
func NewS3(cfg S3Config) (*S3, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.ForcePathStyle {
		awsCfg = awsCfg.WithS3ForcePathStyle(true)
	}
	if cfg.DisableSSL {
		awsCfg = awsCfg.WithDisableSSL(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}

	return &S3{
		api:    s3.New(sess),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (c *S3) objectKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + "/" + key
}

func (c *S3) Exists(key string) bool {
	k := c.objectKey(key)
	_, err := c.api.HeadObject(&s3.HeadObjectInput{Bucket: &c.bucket, Key: &k})
	return err == nil
}

func (c *S3) ReadAll(key string) ([]byte, error) {
	rc, err := c.OpenReadStream(key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (c *S3) OpenReadStream(key string) (io.ReadCloser, error) {
	k := c.objectKey(key)
	out, err := c.api.GetObject(&s3.GetObjectInput{Bucket: &c.bucket, Key: &k})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return nil, ErrNotExist
		}
		return nil, err
	}
	return out.Body, nil
}

func (c *S3) Write(key string, data []byte) error {
	k := c.objectKey(key)
	_, err := c.api.PutObject(&s3.PutObjectInput{
		Bucket: &c.bucket,
		Key:    &k,
		Body:   aws.ReadSeekCloser(bytes.NewReader(data)),
	})
	return err
}

func (c *S3) Remove(key string) error {
	k := c.objectKey(key)
	_, err := c.api.DeleteObject(&s3.DeleteObjectInput{Bucket: &c.bucket, Key: &k})
	return err
}
