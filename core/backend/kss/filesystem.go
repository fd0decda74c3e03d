package kss

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/logger"
)

// LocalFilesystem stores objects as plain files below a base folder
type LocalFilesystem struct {
	baseFolder string
}

// NewLocalFilesystem returns a new LocalFilesystem. The base folder is created if needed.
func NewLocalFilesystem(config LocalConfiguration) (*LocalFilesystem, error) {
	if config.BasePath == "" {
		return nil, errors.New("BasePath must not be empty")
	}
	if err := os.MkdirAll(config.BasePath, 0700); err != nil {
		return nil, err
	}
	logger.Default().Debugln("KSS local filesystem enabled in", config.BasePath)
	return &LocalFilesystem{baseFolder: config.BasePath}, nil
}

func (f *LocalFilesystem) path(key string) string {
	return filepath.Join(f.baseFolder, filepath.FromSlash(key))
}

// Upload writes body to key, replacing any previous content
func (f *LocalFilesystem) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	filePath := f.path(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return core.StorageErr(err, "cannot create folder for '%s'", key)
	}
	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".upload-*")
	if err != nil {
		return core.StorageErr(err, "cannot create '%s'", key)
	}
	defer os.Remove(tmp.Name())
	if _, err = io.Copy(tmp, body); err != nil {
		tmp.Close()
		return core.StorageErr(err, "cannot write '%s'", key)
	}
	if err = tmp.Close(); err != nil {
		return core.StorageErr(err, "cannot write '%s'", key)
	}
	if err = os.Rename(tmp.Name(), filePath); err != nil {
		return core.StorageErr(err, "cannot write '%s'", key)
	}
	logger.FromContext(ctx).Infof("Filesystem: uploaded key: '%s'", key)
	return nil
}

// Download opens key for reading
func (f *LocalFilesystem) Download(ctx context.Context, key string) (io.ReadCloser, *Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, nil, err
	}
	file, err := os.Open(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, notFound(key)
	}
	if err != nil {
		return nil, nil, core.StorageErr(err, "cannot open '%s'", key)
	}
	info, err := file.Stat()
	if err != nil || info.IsDir() {
		file.Close()
		if err == nil {
			return nil, nil, notFound(key)
		}
		return nil, nil, core.StorageErr(err, "cannot stat '%s'", key)
	}
	return file, f.object(key, info), nil
}

func (f *LocalFilesystem) object(key string, info fs.FileInfo) *Object {
	return &Object{
		Key:          key,
		Size:         info.Size(),
		ContentType:  mime.TypeByExtension(path.Ext(key)),
		LastModified: info.ModTime().UTC(),
	}
}

// List returns all objects whose key starts with prefix, sorted by key
func (f *LocalFilesystem) List(ctx context.Context, prefix string) ([]Object, error) {
	objects := []Object{}
	err := filepath.WalkDir(f.baseFolder, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(f.baseFolder, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, *f.object(key, info))
		return nil
	})
	if err != nil {
		return nil, core.StorageErr(err, "cannot list '%s'", prefix)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Delete deletes the key file
func (f *LocalFilesystem) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	err := os.Remove(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return notFound(key)
	}
	if err != nil {
		return core.StorageErr(err, "cannot delete '%s'", key)
	}
	logger.FromContext(ctx).Infof("Filesystem: deleted key: '%s'", key)
	return nil
}
