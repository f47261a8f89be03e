package client

import (
	"collabEditor/backend/internal/ot/operation"
	"collabEditor/backend/internal/protocol"
)

// Transport 发送一条信封，不等待回复
type Transport interface {
	Send(env protocol.Envelope) error
}

// Sender 把操作和文件命令包装成信封
type Sender struct {
	t      Transport
	userID string
	hostID string
}

func NewSender(t Transport, userID, hostID string) *Sender {
	return &Sender{t: t, userID: userID, hostID: hostID}
}

func (s *Sender) send(command string, payload any) error {
	env, err := protocol.NewEnvelope(command, payload)
	if err != nil {
		return err
	}
	return s.t.Send(env)
}

// Send 发送一次编辑
func (s *Sender) Send(filename string, op operation.Operation) error {
	if op.UserID == "" {
		op.UserID = s.userID
	}
	return s.send(protocol.CmdEditFile, protocol.EditFileRequest{
		Filename:  filename,
		Operation: op,
		UserID:    s.userID,
	})
}

func (s *Sender) OpenFile(filename string) error {
	return s.send(protocol.CmdOpenFile, protocol.OpenFileRequest{Filename: filename, UserID: s.userID, HostID: s.hostID})
}

func (s *Sender) CloseFile(filename string) error {
	return s.send(protocol.CmdCloseFile, protocol.CloseFileRequest{Filename: filename})
}

func (s *Sender) SaveContent(filename, content string) error {
	return s.send(protocol.CmdSaveContent, protocol.SaveContentRequest{Filename: filename, Content: content})
}

func (s *Sender) GetHistory(filename string) error {
	return s.send(protocol.CmdGetHistory, protocol.FileRequest{Filename: filename})
}

func (s *Sender) DeleteHistory(filename string) error {
	return s.send(protocol.CmdDeleteHistory, protocol.FileRequest{Filename: filename})
}
