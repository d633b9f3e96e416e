package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Sink stores rendered images and reports.
type Sink interface {
	// Put stores data under name, a slash-separated relative path.
	Put(ctx context.Context, name, contentType string, data []byte) error

	// Location describes where name ends up, for logs and CLI output.
	Location(name string) string
}

// DirSink writes outputs below a local directory.
type DirSink struct {
	Dir string
}

// NewDirSink returns a sink rooted at dir.
func NewDirSink(dir string) *DirSink {
	return &DirSink{Dir: dir}
}

// Put writes the file, creating parent directories as needed.
func (d *DirSink) Put(_ context.Context, name, _ string, data []byte) error {
	const op = "DirSink.Put"

	p := d.Location(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("%s: failed to create directory: %w", op, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("%s: failed to write %s: %w", op, p, err)
	}
	return nil
}

// Location returns the local file path for name.
func (d *DirSink) Location(name string) string {
	return filepath.Join(d.Dir, filepath.FromSlash(cleanName(name)))
}

// ObjectWriter uploads an object; *storage.Store implements it.
type ObjectWriter interface {
	Write(ctx context.Context, bucket, object, contentType string, data []byte) error
}

// BucketSink writes outputs to a Cloud Storage bucket under a prefix.
type BucketSink struct {
	writer ObjectWriter
	bucket string
	prefix string
}

// NewBucketSink returns a sink that uploads through w.
func NewBucketSink(w ObjectWriter, bucket, prefix string) *BucketSink {
	return &BucketSink{writer: w, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Put uploads the object.
func (b *BucketSink) Put(ctx context.Context, name, contentType string, data []byte) error {
	return b.writer.Write(ctx, b.bucket, b.objectName(name), contentType, data)
}

// Location returns the gs:// URI for name.
func (b *BucketSink) Location(name string) string {
	return "gs://" + b.bucket + "/" + b.objectName(name)
}

// Owns reports whether object lies under this sink's prefix in its bucket.
// Without a prefix only rendered image names can be recognized, by the caller.
func (b *BucketSink) Owns(bucket, object string) bool {
	return b.prefix != "" && bucket == b.bucket && strings.HasPrefix(object, b.prefix+"/")
}

func (b *BucketSink) objectName(name string) string {
	if b.prefix == "" {
		return cleanName(name)
	}
	return b.prefix + "/" + cleanName(name)
}

// cleanName keeps object names inside the sink root.
func cleanName(name string) string {
	return strings.TrimLeft(path.Clean("/"+name), "/")
}

// outputStem drops the extension from an object name: photos/a.jpg -> photos/a.
func outputStem(object string) string {
	return strings.TrimSuffix(object, path.Ext(object))
}
