package client

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var draftBucket = []byte("drafts")

// Drafts 网络发送失败时在本地保存一份工作副本
type Drafts interface {
	SaveDraft(filename string, lines []string) error
	DeleteDraft(filename string) error
}

type Draft struct {
	Filename string    `json:"filename"`
	Lines    []string  `json:"lines"`
	SavedAt  time.Time `json:"saved_at"`
}

// DraftStore 基于 bbolt 的草稿存储，key 为文件名
type DraftStore struct {
	db *bolt.DB
}

var _ Drafts = (*DraftStore)(nil)

func OpenDraftStore(path string) (*DraftStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open draft store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(draftBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DraftStore{db: db}, nil
}

func (s *DraftStore) SaveDraft(filename string, lines []string) error {
	b, err := json.Marshal(Draft{Filename: filename, Lines: lines, SavedAt: time.Now()})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(draftBucket).Put([]byte(filename), b)
	})
}

// LoadDraft 没有草稿时返回 ok=false
func (s *DraftStore) LoadDraft(filename string) (Draft, bool, error) {
	var (
		d  Draft
		ok bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(draftBucket).Get([]byte(filename))
		if v == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(v, &d)
	})
	return d, ok, err
}

func (s *DraftStore) DeleteDraft(filename string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(draftBucket).Delete([]byte(filename))
	})
}

func (s *DraftStore) Close() error { return s.db.Close() }
