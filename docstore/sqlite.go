package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	sqliteEncrypt "github.com/Daskott/gorm-sqlite-cipher"
	"github.com/Daskott/vigil/shared"
	"github.com/Daskott/vigil/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

const DB_NAME = "vigil.db"

// SqliteStore keeps documents in an encrypted sqlite file - one row per
// document, JSON payload in the 'data' column. It's the backend for single
// node deployments, and the one gstorage can back up to google storage.
type SqliteStore struct {
	db       *gorm.DB
	filePath string
	watchers *broadcaster
}

type documentRecord struct {
	Collection string `gorm:"primaryKey"`
	DocID      string `gorm:"primaryKey;column:doc_id"`
	Data       string
	UpdatedAt  time.Time
}

func (documentRecord) TableName() string {
	return "documents"
}

func NewSqliteStore(config shared.SqliteConfig, dbRootDir string) (*SqliteStore, error) {
	filePath, err := dbFilePath(config.File, dbRootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to set sqlite db path: %v", err)
	}

	dsn := fmt.Sprintf(
		"file:%v?_pragma_key=%s&_pragma_cipher_page_size=4096&_journal_mode=WAL",
		filePath,
		config.PassPhrase,
	)

	db, err := gorm.Open(sqliteEncrypt.Open(dsn), &gorm.Config{
		Logger: gormLogger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			gormLogger.Config{
				LogLevel:                  gormLogger.Silent,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %v", err)
	}

	if err := db.AutoMigrate(&documentRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate documents table: %v", err)
	}

	return &SqliteStore{db: db, filePath: filePath, watchers: newBroadcaster()}, nil
}

// FilePath returns the sqlite file backing the store, for backup jobs
func (store *SqliteStore) FilePath() string {
	return store.filePath
}

// SqliteFilePath reports where the sqlite file for the given config will
// live, so a backup can be restored before the store is opened
func SqliteFilePath(config shared.SqliteConfig, dbRootDir string) (string, error) {
	return dbFilePath(config.File, dbRootDir)
}

func (store *SqliteStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	record := documentRecord{}

	err := store.db.WithContext(ctx).
		First(&record, "collection = ? AND doc_id = ?", collection, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, NewError(ErrNotFound, "no document %q in %q", id, collection)
	}
	if err != nil {
		return nil, WrapError(ErrServer, err, "unable to read document")
	}

	return &Document{ID: id, Data: []byte(record.Data)}, nil
}

func (store *SqliteStore) Set(ctx context.Context, collection, id string, data []byte) error {
	if id == "" {
		return NewError(ErrInvalidArgument, "document id is required")
	}

	if !json.Valid(data) {
		return NewError(ErrInvalidArgument, "document %q is not valid JSON", id)
	}

	record := documentRecord{Collection: collection, DocID: id, Data: string(data), UpdatedAt: time.Now()}

	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
	if err != nil {
		return WrapError(ErrServer, err, "unable to write document")
	}

	store.watchers.publish(Event{
		Type:       EventSet,
		Collection: collection,
		Doc:        Document{ID: id, Data: copyBytes(data)},
	})

	return nil
}

func (store *SqliteStore) Update(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	var merged []byte

	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := documentRecord{}

		err := tx.First(&record, "collection = ? AND doc_id = ?", collection, id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NewError(ErrNotFound, "no document %q in %q", id, collection)
		}
		if err != nil {
			return err
		}

		merged, err = mergeFields([]byte(record.Data), fields)
		if err != nil {
			return WrapError(ErrInvalidArgument, err, "unable to apply update")
		}

		return tx.Model(&documentRecord{}).
			Where("collection = ? AND doc_id = ?", collection, id).
			Updates(map[string]interface{}{"data": string(merged), "updated_at": time.Now()}).Error
	})

	if err != nil {
		var storeErr *Error
		if errors.As(err, &storeErr) {
			return storeErr
		}
		return WrapError(ErrServer, err, "unable to update document")
	}

	store.watchers.publish(Event{
		Type:       EventSet,
		Collection: collection,
		Doc:        Document{ID: id, Data: merged},
	})

	return nil
}

func (store *SqliteStore) Delete(ctx context.Context, collection, id string) error {
	result := store.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection, id).Delete(&documentRecord{})
	if result.Error != nil {
		return WrapError(ErrServer, result.Error, "unable to delete document")
	}

	// Deleting a missing document is a no-op, not an error
	if result.RowsAffected > 0 {
		store.watchers.publish(Event{
			Type:       EventDelete,
			Collection: collection,
			Doc:        Document{ID: id},
		})
	}

	return nil
}

func (store *SqliteStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	records := []documentRecord{}

	err := store.db.WithContext(ctx).Find(&records, "collection = ?", collection).Error
	if err != nil {
		return nil, WrapError(ErrServer, err, "unable to scan collection")
	}

	docs := []Document{}
	for _, record := range records {
		match, err := matchesFilters([]byte(record.Data), filters)
		if err != nil {
			return nil, WrapError(ErrInvalidArgument, err, "unable to apply query filter")
		}

		if match {
			docs = append(docs, Document{ID: record.DocID, Data: []byte(record.Data)})
		}
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (store *SqliteStore) Watch(ctx context.Context, collection string) (<-chan Event, error) {
	return store.watchers.subscribe(ctx, collection), nil
}

func (store *SqliteStore) Close() error {
	store.watchers.closeAll()

	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

// ---------------------------------------------------------------------------------//
// Helper functions
// --------------------------------------------------------------------------------//

func dbFilePath(configuredFile, dbRootDir string) (string, error) {
	if configuredFile != "" {
		return configuredFile, nil
	}

	dbDir := filepath.Join(dbRootDir, "db")
	if err := utils.CreateDirIfNotExist(dbDir); err != nil {
		return "", err
	}

	return filepath.Join(dbDir, DB_NAME), nil
}
