package seed

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var documentsBucket = []byte("documents")

// Bolt keeps last-saved content per room in a local bbolt file.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Load(_ context.Context, room string) (string, bool, error) {
	var (
		text  string
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(documentsBucket).Get([]byte(room))
		if v != nil {
			text, found = string(v), true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("loading %q: %w", room, err)
	}
	return text, found, nil
}

func (b *Bolt) Save(_ context.Context, room, text string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).Put([]byte(room), []byte(text))
	})
	if err != nil {
		return fmt.Errorf("saving %q: %w", room, err)
	}
	return nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
