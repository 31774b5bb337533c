package bill

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const recognitionBucketName = "recognitions"

// Cache stores recognized receipt text by upload hash
type Cache interface {
	// Get returns the text stored under key and whether it was found
	Get(key string) (string, bool, error)

	// Put stores text under key
	Put(key string, text string) error

	// Close closes the cache
	Close() error
}

// BoltCache implements the Cache interface using BoltDB
type BoltCache struct {
	db *bbolt.DB
}

// NewBoltCache opens or creates the cache file at path
func NewBoltCache(path string) (*BoltCache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(recognitionBucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltCache{db: db}, nil
}

// Get returns the text stored under key
func (b *BoltCache) Get(key string) (string, bool, error) {
	var text string
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recognitionBucketName))
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}
		// data is only valid inside the transaction
		text = string(data)
		found = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("reading recognition %s: %w", key, err)
	}
	return text, found, nil
}

// Put stores text under key
func (b *BoltCache) Put(key string, text string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recognitionBucketName))
		return bucket.Put([]byte(key), []byte(text))
	})
	if err != nil {
		return fmt.Errorf("writing recognition %s: %w", key, err)
	}
	return nil
}

// Len returns the number of cached recognitions
func (b *BoltCache) Len() (int, error) {
	var n int
	err := b.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(recognitionBucketName)).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the database connection
func (b *BoltCache) Close() error {
	return b.db.Close()
}
