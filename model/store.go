// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package model

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// A Store persists named model bundles. Stores are written by the
// coordinator only (via comm.RunOnce) and read by later
// prediction-only runs.
type Store interface {
	// Create returns a writer for the named bundle. The bundle is
	// not available to Open until the returned closer has been
	// closed.
	Create(ctx context.Context, name string) (io.WriteCloser, error)
	// Open returns a reader for the named stored bundle. If the
	// bundle does not exist, an error with kind errors.NotExist is
	// returned.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// MemoryStore is an in-memory store used by tests.
type MemoryStore struct {
	mu      sync.Mutex
	bundles map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bundles: make(map[string][]byte)}
}

type memoryWriter struct {
	bytes.Buffer
	name  string
	store *MemoryStore
}

func (w *memoryWriter) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.bundles[w.name] = w.Buffer.Bytes()
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	return &memoryWriter{name: name, store: s}, nil
}

func (s *MemoryStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	s.mu.Lock()
	p, ok := s.bundles[name]
	s.mu.Unlock()
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("bundle %s not stored", name))
	}
	return ioutil.NopCloser(bytes.NewReader(p)), nil
}

// FileStore stores bundles under a grailfile prefix; any URL scheme
// supported by grailfile works.
type FileStore struct {
	// Prefix is the prefix under which bundles are stored; a
	// bundle's path is "{Prefix}{name}".
	Prefix string
}

func (s *FileStore) path(name string) string { return s.Prefix + name }

func (s *FileStore) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	f, err := file.Create(ctx, s.path(name))
	if err != nil {
		return nil, err
	}
	return &fileIOCloser{Writer: f.Writer(ctx), ctx: ctx, file: f}, nil
}

func (s *FileStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	f, err := file.Open(ctx, s.path(name))
	if err != nil {
		return nil, err
	}
	return &fileIOCloser{Reader: f.Reader(ctx), ctx: ctx, file: f}, nil
}

type fileIOCloser struct {
	io.Writer
	io.Reader
	ctx  context.Context
	file file.File
}

func (f *fileIOCloser) Close() error {
	return f.file.Close(f.ctx)
}

// S3Store stores bundles directly in an S3 bucket using the AWS SDK,
// for deployments that keep model state out of the grailfile tree.
type S3Store struct {
	bucket, prefix string
	client         *s3.S3
	uploader       *s3manager.Uploader
}

// NewS3Store returns a store writing bundles to
// s3://{bucket}/{prefix}{name} using the provided session.
func NewS3Store(sess client.ConfigProvider, bucket, prefix string) *S3Store {
	return &S3Store{
		bucket:   bucket,
		prefix:   prefix,
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
	}
}

func (s *S3Store) key(name string) string { return s.prefix + name }

type s3Writer struct {
	w    *io.PipeWriter
	errc chan error
}

func (w *s3Writer) Write(p []byte) (int, error) { return w.w.Write(p) }

func (w *s3Writer) Close() error {
	if err := w.w.Close(); err != nil {
		return err
	}
	return <-w.errc
}

func (s *S3Store) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	r, w := io.Pipe()
	errc := make(chan error, 1)
	go func() {
		_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(name)),
			Body:   r,
		})
		r.CloseWithError(err)
		errc <- err
	}()
	return &s3Writer{w: w, errc: errc}, nil
}

func (s *S3Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		if aerr, ok := err.(interface{ Code() string }); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("bundle %s not stored", name))
		}
		return nil, err
	}
	return out.Body, nil
}
