// Package gstorage backs the sqlite document store file up to a cloud
// storage bucket, and restores it on a fresh deployment.
package gstorage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Daskott/vigil/server/logger"
	"github.com/Daskott/vigil/shared"
	"google.golang.org/api/option"
)

var ErrObjectNotExist = storage.ErrObjectNotExist

var logg = logger.NewLogger()

type GStorage struct {
	storageClient *storage.Client
	bucket        string
	prefix        string
}

func NewGStorage(credentialsFilePath string, config shared.StorageConfig) (*GStorage, error) {
	var client *storage.Client
	var err error

	if credentialsFilePath != "" {
		client, err = storage.NewClient(context.Background(), option.WithCredentialsFile(credentialsFilePath))
	} else {
		client, err = storage.NewClient(context.Background())
	}

	if err != nil {
		return nil, fmt.Errorf("NewGStorage: %v", err)
	}

	return &GStorage{
		storageClient: client,
		bucket:        config.Bucket,
		prefix:        config.Prefix,
	}, nil
}

// UploadFile uploads a local file under the configured object prefix
func (gs *GStorage) UploadFile(filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("os.Open: %v", err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*50)
	defer cancel()

	object := gs.objectName(filepath.Base(filePath))
	wc := gs.storageClient.Bucket(gs.bucket).Object(object).NewWriter(ctx)
	if _, err = io.Copy(wc, f); err != nil {
		return fmt.Errorf("io.Copy: %v", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("Writer.Close: %v", err)
	}

	logg.Infof("%v uploaded to %v", object, gs.bucket)
	return nil
}

// DownloadFile downloads an object(by base name) to a local file.
// Returns ErrObjectNotExist when no backup has ever been uploaded.
func (gs *GStorage) DownloadFile(objectBaseName, destFileName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*50)
	defer cancel()

	object := gs.objectName(objectBaseName)
	rc, err := gs.storageClient.Bucket(gs.bucket).Object(object).NewReader(ctx)
	if err == storage.ErrObjectNotExist {
		return err
	}
	if err != nil {
		return fmt.Errorf("Object(%q).NewReader: %v", object, err)
	}
	defer rc.Close()

	f, err := os.Create(destFileName)
	if err != nil {
		return fmt.Errorf("os.Create: %v", err)
	}

	if _, err := io.Copy(f, rc); err != nil {
		return fmt.Errorf("io.Copy: %v", err)
	}

	if err = f.Close(); err != nil {
		return fmt.Errorf("f.Close: %v", err)
	}

	logg.Infof("%v downloaded to %v", object, destFileName)
	return nil
}

func (gs *GStorage) objectName(baseName string) string {
	if gs.prefix == "" {
		return baseName
	}

	return fmt.Sprintf("%v/%v", gs.prefix, baseName)
}
