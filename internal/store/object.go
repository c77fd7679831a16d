package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
)

// Object is an S3-compatible store backend. Cache entries live in one
// bucket under <key>/, run artifact bags in another under <run>/<job>/.
// Each entry carries a manifest object alongside its data objects so
// round-trips return exactly the declared path set.
type Object struct {
	client          *minio.Client
	cacheBucket     string
	artifactsBucket string
}

const (
	manifestObject = "manifest.json"
	dataPrefix     = "data/"
)

func NewObject(client *minio.Client, cacheBucket, artifactsBucket string) (*Object, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	cacheBucket = strings.TrimSpace(cacheBucket)
	artifactsBucket = strings.TrimSpace(artifactsBucket)
	if cacheBucket == "" || artifactsBucket == "" {
		return nil, errors.New("cache and artifacts buckets are required")
	}
	return &Object{client: client, cacheBucket: cacheBucket, artifactsBucket: artifactsBucket}, nil
}

func (s *Object) Restore(ctx context.Context, key, workspace string) (bool, error) {
	prefix := sanitizeElem(key) + "/"
	_, ok, err := s.readManifest(ctx, s.cacheBucket, prefix)
	if err != nil {
		return false, fmt.Errorf("read cache manifest: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := s.download(ctx, s.cacheBucket, prefix, workspace); err != nil {
		return false, fmt.Errorf("restore cache %q: %w", key, err)
	}
	return true, nil
}

func (s *Object) Save(ctx context.Context, key, workspace string, paths []string) ([]string, error) {
	prefix := sanitizeElem(key) + "/"
	if err := s.removePrefix(ctx, s.cacheBucket, prefix); err != nil {
		return nil, fmt.Errorf("replace cache entry %q: %w", key, err)
	}

	saved := make([]string, 0, len(paths))
	for _, rel := range paths {
		src := filepath.Join(workspace, rel)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("stat cache path %q: %w", rel, err)
		}
		if err := s.upload(ctx, s.cacheBucket, prefix, workspace, rel); err != nil {
			return nil, fmt.Errorf("save cache path %q: %w", rel, err)
		}
		saved = append(saved, rel)
	}
	if len(saved) == 0 {
		return nil, nil
	}
	if err := s.writeManifest(ctx, s.cacheBucket, prefix, manifest{Paths: saved}); err != nil {
		return nil, fmt.Errorf("write cache manifest: %w", err)
	}
	return saved, nil
}

func (s *Object) Publish(ctx context.Context, runID, jobName, workspace string, paths []string) error {
	for _, rel := range paths {
		if _, err := os.Stat(filepath.Join(workspace, rel)); os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrArtifactPathMissing, rel)
		} else if err != nil {
			return fmt.Errorf("stat artifact path %q: %w", rel, err)
		}
	}

	prefix := artifactPrefix(runID, jobName)
	if err := s.removePrefix(ctx, s.artifactsBucket, prefix); err != nil {
		return fmt.Errorf("replace artifact bag: %w", err)
	}
	for _, rel := range paths {
		if err := s.upload(ctx, s.artifactsBucket, prefix, workspace, rel); err != nil {
			return fmt.Errorf("publish artifact %q: %w", rel, err)
		}
	}
	if err := s.writeManifest(ctx, s.artifactsBucket, prefix, manifest{Paths: paths}); err != nil {
		return fmt.Errorf("write artifact manifest: %w", err)
	}
	return nil
}

func (s *Object) Fetch(ctx context.Context, runID, jobName, workspace string) ([]string, error) {
	prefix := artifactPrefix(runID, jobName)
	m, ok, err := s.readManifest(ctx, s.artifactsBucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("read artifact manifest: %w", err)
	}
	if !ok {
		return nil, nil
	}
	if err := s.download(ctx, s.artifactsBucket, prefix, workspace); err != nil {
		return nil, fmt.Errorf("fetch artifacts of %q: %w", jobName, err)
	}
	return m.Paths, nil
}

// upload stores one workspace path (file or directory tree) under
// <prefix>data/<rel>.
func (s *Object) upload(ctx context.Context, bucket, prefix, workspace, rel string) error {
	src := filepath.Join(workspace, rel)
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		_, err := s.client.FPutObject(ctx, bucket, prefix+dataPrefix+path.Clean(filepath.ToSlash(rel)), src, minio.PutObjectOptions{})
		return err
	}
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		sub, err := filepath.Rel(workspace, p)
		if err != nil {
			return err
		}
		_, err = s.client.FPutObject(ctx, bucket, prefix+dataPrefix+path.Clean(filepath.ToSlash(sub)), p, minio.PutObjectOptions{})
		return err
	})
}

// download materializes every object under <prefix>data/ into the
// workspace, preserving relative paths.
func (s *Object) download(ctx context.Context, bucket, prefix, workspace string) error {
	objects := s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix + dataPrefix,
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return obj.Err
		}
		rel := strings.TrimPrefix(obj.Key, prefix+dataPrefix)
		if rel == "" || strings.Contains(rel, "..") {
			continue
		}
		dst := filepath.Join(workspace, filepath.FromSlash(rel))
		if err := s.client.FGetObject(ctx, bucket, obj.Key, dst, minio.GetObjectOptions{}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Object) removePrefix(ctx context.Context, bucket, prefix string) error {
	objects := s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return obj.Err
		}
		if err := s.client.RemoveObject(ctx, bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Object) readManifest(ctx context.Context, bucket, prefix string) (manifest, bool, error) {
	obj, err := s.client.GetObject(ctx, bucket, prefix+manifestObject, minio.GetObjectOptions{})
	if err != nil {
		return manifest{}, false, err
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(obj); err != nil {
		if isNoSuchKey(err) {
			return manifest{}, false, nil
		}
		return manifest{}, false, err
	}
	var m manifest
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		return manifest{}, false, fmt.Errorf("decode manifest: %w", err)
	}
	return m, true, nil
}

func (s *Object) writeManifest(ctx context.Context, bucket, prefix string, m manifest) error {
	out, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, bucket, prefix+manifestObject, bytes.NewReader(out), int64(len(out)), minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func artifactPrefix(runID, jobName string) string {
	return sanitizeElem(runID) + "/" + sanitizeElem(jobName) + "/"
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}
