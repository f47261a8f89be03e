package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"collabEditor/backend/internal/ot/operation"
)

// 命令名，客户端与服务端双向共用同一个信封 {command, data}
const (
	CmdOpenFile      = "OPEN_FILE"
	CmdCloseFile     = "CLOSE_FILE"
	CmdEditFile      = "EDIT_FILE"
	CmdSaveContent   = "SAVE_CONTENT"
	CmdGetHistory    = "GET_HISTORY"
	CmdDeleteHistory = "DELETE_HISTORY"
	CmdError         = "ERROR"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	ErrMalformed      = errors.New("MALFORMED_MESSAGE")
	ErrUnknownCommand = errors.New("UNKNOWN_COMMAND")
)

type Envelope struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data"`
}

// NewEnvelope 序列化 payload；payload 为 nil 时 data 为 {}
func NewEnvelope(command string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Command: command, Data: json.RawMessage("{}")}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Command: command, Data: b}, nil
}

// Decode 解析原始帧，只检查信封本身
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Command == "" {
		return Envelope{}, fmt.Errorf("%w: missing command", ErrMalformed)
	}
	return env, nil
}

// DecodeData 把 data 解到具体的 payload 结构
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrMalformed, e.Command)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, e.Command, err)
	}
	return nil
}

type OpenFileRequest struct {
	Filename string `json:"filename"`
	UserID   string `json:"user_id"`
	HostID   string `json:"host_id,omitempty"`
}

type OpenFileResponse struct {
	Status   string   `json:"status"`
	Filename string   `json:"filename,omitempty"`
	Content  []string `json:"content,omitempty"`
	Revision uint64   `json:"revision,omitempty"`
	Error    string   `json:"error,omitempty"`
}

type CloseFileRequest struct {
	Filename string `json:"filename"`
}

// EditFileRequest 客户端提交的编辑，同时也是服务端广播给其他协作者的格式
type EditFileRequest struct {
	Filename  string              `json:"filename"`
	Operation operation.Operation `json:"operation"`
	UserID    string              `json:"user_id"`
	Revision  uint64              `json:"revision,omitempty"`
}

// EditFileResponse 给作者本人的确认
// - 撤销（cancel_changes）时带上实际应用的逆操作，作者据此更新本地缓冲区
// - 越界等错误时带上当前内容，作者据此重新同步
type EditFileResponse struct {
	Status    string               `json:"status"`
	Filename  string               `json:"filename,omitempty"`
	Revision  uint64               `json:"revision,omitempty"`
	Operation *operation.Operation `json:"operation,omitempty"`
	Content   []string             `json:"content,omitempty"`
	Error     string               `json:"error,omitempty"`
}

type SaveContentRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

type FileRequest struct {
	Filename string `json:"filename"`
}

type HistoryEntry struct {
	UserID    string              `json:"user_id"`
	Timestamp time.Time           `json:"timestamp"`
	Revision  uint64              `json:"revision"`
	Operation operation.Operation `json:"operation"`
}

type HistoryResponse struct {
	Status   string         `json:"status"`
	Filename string         `json:"filename,omitempty"`
	History  []HistoryEntry `json:"history"`
	Error    string         `json:"error,omitempty"`
}

type StatusResponse struct {
	Status   string `json:"status"`
	Filename string `json:"filename,omitempty"`
	Error    string `json:"error,omitempty"`
}
