package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MaxFileBytes is the largest knowledge-base document accepted.
const MaxFileBytes int64 = 20 * 1024 * 1024

const objectPrefix = "knowledge"

// ErrNotConfigured is returned when no object store was configured.
var ErrNotConfigured = errors.New("file storage not configured")

// Options configures the MinIO/S3 connection.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

// StoredFile describes an uploaded object.
type StoredFile struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// FileStorage stores knowledge-base documents in MinIO/S3.
type FileStorage struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewFileStorage connects to the object store and makes sure the bucket
// exists. It returns nil without error when the options are incomplete.
func NewFileStorage(ctx context.Context, opts Options) (*FileStorage, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	bucket := strings.TrimSpace(opts.Bucket)
	if endpoint == "" || strings.TrimSpace(opts.AccessKey) == "" || strings.TrimSpace(opts.SecretKey) == "" || bucket == "" {
		return nil, nil
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(opts.AccessKey), strings.TrimSpace(opts.SecretKey), ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(checkCtx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(checkCtx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &FileStorage{
		client:    client,
		bucket:    bucket,
		publicURL: publicBase(opts.PublicURL, endpoint, opts.UseSSL),
	}, nil
}

// Upload stores the document beneath knowledge/<segments...>/<uuid>.<ext>.
func (s *FileStorage) Upload(ctx context.Context, fileHeader *multipart.FileHeader, pathSegments ...string) (*StoredFile, error) {
	if s == nil || s.client == nil {
		return nil, ErrNotConfigured
	}
	if fileHeader == nil {
		return nil, errors.New("file not provided")
	}
	if fileHeader.Size > MaxFileBytes {
		return nil, fmt.Errorf("file size exceeds %d bytes", MaxFileBytes)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer src.Close()

	var buffer bytes.Buffer
	written, err := io.Copy(&buffer, io.LimitReader(src, MaxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if written > MaxFileBytes {
		return nil, fmt.Errorf("file size exceeds %d bytes", MaxFileBytes)
	}

	data := buffer.Bytes()
	contentType, err := DocumentContentType(fileHeader.Filename, fileHeader.Header.Get("Content-Type"), data)
	if err != nil {
		return nil, err
	}

	objectName := ObjectName(fileHeader.Filename, contentType, pathSegments...)

	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err = s.client.PutObject(uploadCtx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("upload file: %w", err)
	}

	return &StoredFile{
		Key:         objectName,
		URL:         s.buildPublicURL(objectName),
		Name:        filepath.Base(strings.TrimSpace(fileHeader.Filename)),
		ContentType: contentType,
		Size:        int64(len(data)),
	}, nil
}

// Remove deletes the object named by key or public URL.
func (s *FileStorage) Remove(ctx context.Context, ref string) error {
	if s == nil || s.client == nil {
		return nil
	}
	objectName, ok := s.objectNameFromURL(ref)
	if !ok {
		return nil
	}

	removeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.client.RemoveObject(removeCtx, s.bucket, objectName, minio.RemoveObjectOptions{})
}

// PresignedURL returns a temporary download URL for the object named by key
// or public URL.
func (s *FileStorage) PresignedURL(ctx context.Context, ref string, expiry time.Duration) (string, error) {
	trimmed := strings.TrimSpace(ref)
	if s == nil || s.client == nil || trimmed == "" {
		return trimmed, nil
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	objectName, ok := s.objectNameFromURL(trimmed)
	if !ok {
		return trimmed, nil
	}

	presignCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	signed, err := s.client.PresignedGetObject(presignCtx, s.bucket, objectName, expiry, nil)
	if err != nil {
		return "", err
	}
	return signed.String(), nil
}

func (s *FileStorage) buildPublicURL(objectName string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(s.publicURL, "/"), s.bucket, strings.TrimPrefix(objectName, "/"))
}

func (s *FileStorage) objectNameFromURL(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}

	strip := func(candidate string) string {
		candidate = strings.TrimPrefix(candidate, "/")
		candidate = strings.TrimPrefix(candidate, s.bucket+"/")
		return strings.TrimPrefix(candidate, "/")
	}

	base := strings.TrimSuffix(s.publicURL, "/")
	if base != "" && strings.HasPrefix(trimmed, base) {
		if candidate := strip(strings.TrimPrefix(trimmed, base)); candidate != "" {
			return candidate, true
		}
	}

	if !strings.Contains(trimmed, "://") {
		if candidate := strip(trimmed); candidate != "" {
			return candidate, true
		}
		return "", false
	}

	target, err := url.Parse(trimmed)
	if err != nil {
		return "", false
	}
	baseURL, err := url.Parse(base)
	if err == nil && baseURL.Host != "" && baseURL.Host == target.Host {
		if candidate := strip(target.Path); candidate != "" {
			return candidate, true
		}
	}
	return "", false
}

// ObjectName builds knowledge/<segments...>/<uuid><ext>.
func ObjectName(filename, contentType string, pathSegments ...string) string {
	segments := []string{objectPrefix}
	for _, segment := range pathSegments {
		if trimmed := strings.Trim(segment, "/"); trimmed != "" {
			segments = append(segments, trimmed)
		}
	}
	return path.Join(path.Join(segments...), uuid.NewString()+documentExtension(filename, contentType))
}

var documentTypes = map[string]string{
	".pdf":      "application/pdf",
	".txt":      "text/plain",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".csv":      "text/csv",
	".docx":     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".json":     "application/json",
}

// DocumentContentType resolves the content type of an upload from its
// declared type, its extension, and finally its bytes, rejecting anything
// outside the supported document formats.
func DocumentContentType(filename, declared string, data []byte) (string, error) {
	candidate := normalizeContentType(declared)
	if candidate == "" || candidate == "application/octet-stream" {
		candidate = documentTypes[strings.ToLower(filepath.Ext(strings.TrimSpace(filename)))]
	}
	if candidate == "" && len(data) > 0 {
		candidate = normalizeContentType(http.DetectContentType(data))
	}
	if !isAllowedDocument(candidate) {
		return "", fmt.Errorf("unsupported file content type %q", candidate)
	}
	return candidate, nil
}

func normalizeContentType(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if idx := strings.Index(value, ";"); idx >= 0 {
		value = strings.TrimSpace(value[:idx])
	}
	if value == "text/x-markdown" {
		return "text/markdown"
	}
	return value
}

func isAllowedDocument(contentType string) bool {
	for _, allowed := range documentTypes {
		if contentType == allowed {
			return true
		}
	}
	return false
}

func documentExtension(filename, contentType string) string {
	ext := strings.ToLower(strings.TrimSpace(filepath.Ext(filename)))
	if _, ok := documentTypes[ext]; ok {
		return ext
	}
	for candidate, known := range documentTypes {
		if known == contentType && candidate != ".markdown" {
			return candidate
		}
	}
	return ".bin"
}

func publicBase(configured, endpoint string, useSSL bool) string {
	if trimmed := strings.TrimSpace(configured); trimmed != "" {
		return strings.TrimSuffix(trimmed, "/")
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, endpoint)
}
