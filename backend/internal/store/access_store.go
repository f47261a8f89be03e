package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"collabEditor/backend/internal/collab"
)

// AccessStore 跨用户打开文件的授权：host 把自己的文件授权给 user
// host_id 为空或等于本人时视为打开自己的文件
type AccessStore struct{ db *sql.DB }

var _ collab.AccessChecker = (*AccessStore)(nil)

func NewAccessStore(db *sql.DB) *AccessStore {
	return &AccessStore{db: db}
}

func (s *AccessStore) CanOpen(ctx context.Context, filename, userID, hostID string) error {
	if hostID == "" || hostID == userID {
		return nil
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM file_access WHERE filename = ? AND host_id = ? AND user_id = ?`,
		filename, hostID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s of host %s", collab.ErrAccessDenied, filename, hostID)
	}
	return err
}

// Grant 重复授权不报错
func (s *AccessStore) Grant(ctx context.Context, filename, hostID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_access (filename, host_id, user_id) VALUES (?, ?, ?)`,
		filename, hostID, userID,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}
