package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"collabEditor/backend/internal/collab"
)

// ContentStore 文件内容存在 MySQL 的 files 表里，content 为 \n 拼接的全文
type ContentStore struct{ db *sql.DB }

var _ collab.ContentStore = (*ContentStore)(nil)

func NewContentStore(db *sql.DB) *ContentStore {
	return &ContentStore{db: db}
}

const createFilesTable = `CREATE TABLE IF NOT EXISTS files (
	filename   VARCHAR(255) NOT NULL PRIMARY KEY,
	content    MEDIUMTEXT   NOT NULL,
	updated_at TIMESTAMP    NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
)`

const createFileAccessTable = `CREATE TABLE IF NOT EXISTS file_access (
	filename VARCHAR(255) NOT NULL,
	host_id  VARCHAR(64)  NOT NULL,
	user_id  VARCHAR(64)  NOT NULL,
	PRIMARY KEY (filename, host_id, user_id)
)`

// EnsureSchema 启动时建表
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range []string{createFilesTable, createFileAccessTable} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// LoadContent 文件不存在时返回 (nil, nil)，由调用方当作空文档
func (s *ContentStore) LoadContent(ctx context.Context, filename string) ([]string, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM files WHERE filename = ?`,
		filename,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return strings.Split(content, "\n"), nil
}

func (s *ContentStore) SaveContent(ctx context.Context, filename string, lines []string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (filename, content) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE content = VALUES(content)`,
		filename,
		strings.Join(lines, "\n"),
	)
	return err
}
