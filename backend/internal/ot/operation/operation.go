package operation

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

type Kind string

const (
	KindInsert  Kind = "insert"
	KindDelete  Kind = "delete"
	KindNewLine Kind = "new line"
	KindCancel  Kind = "cancel_changes"
)

var (
	ErrInvalid   = errors.New("INVALID_OPERATION")
	ErrNoInverse = errors.New("NO_INVERSE")
)

// Pos 文档内的位置：第 Y 行、第 X 列（按 rune 计数），均从 0 开始
type Pos struct {
	Y int `json:"y"`
	X int `json:"x"`
}

// Compare 按 (y, x) 字典序比较，a<b 返回 -1，相等返回 0，a>b 返回 1
func Compare(a, b Pos) int {
	switch {
	case a.Y < b.Y:
		return -1
	case a.Y > b.Y:
		return 1
	case a.X < b.X:
		return -1
	case a.X > b.X:
		return 1
	}
	return 0
}

func (p Pos) String() string { return fmt.Sprintf("(%d,%d)", p.Y, p.X) }

// Operation 一次编辑操作
// 线上格式：
//
//	insert:         {"op_type":"insert","start_pos":{"y":0,"x":0},"text":["Hi"]}
//	delete:         {"op_type":"delete","start_pos":{...},"end_pos":{...}}
//	new line:       {"op_type":"new line","start_pos":{...}}
//	cancel_changes: {"op_type":"cancel_changes"}
//
// insert 的 end_pos、delete 的 text 由服务端在应用时补全。
type Operation struct {
	Kind     Kind     `json:"op_type"`
	StartPos Pos      `json:"start_pos"`
	EndPos   *Pos     `json:"end_pos,omitempty"`
	Text     []string `json:"text,omitempty"`
	UserID   string   `json:"user_id,omitempty"`
}

func NewInsert(start Pos, text []string, userID string) Operation {
	return Operation{Kind: KindInsert, StartPos: start, Text: append([]string(nil), text...), UserID: userID}
}

func NewDelete(start, end Pos, userID string) Operation {
	return Operation{Kind: KindDelete, StartPos: start, EndPos: &end, UserID: userID}
}

func NewNewLine(start Pos, userID string) Operation {
	return Operation{Kind: KindNewLine, StartPos: start, UserID: userID}
}

func NewCancel(userID string) Operation {
	return Operation{Kind: KindCancel, UserID: userID}
}

// Clone 深拷贝，避免 Text/EndPos 在多个 goroutine 之间共享底层数组
func (op Operation) Clone() Operation {
	out := op
	if op.EndPos != nil {
		end := *op.EndPos
		out.EndPos = &end
	}
	if op.Text != nil {
		out.Text = append([]string(nil), op.Text...)
	}
	return out
}

// Validate 只校验形状，不校验是否越界（越界由 document 判断）
func (op Operation) Validate() error {
	switch op.Kind {
	case KindCancel:
		return nil
	case KindInsert, KindDelete, KindNewLine:
	default:
		return fmt.Errorf("%w: unknown op_type %q", ErrInvalid, op.Kind)
	}
	if op.StartPos.Y < 0 || op.StartPos.X < 0 {
		return fmt.Errorf("%w: negative start_pos %s", ErrInvalid, op.StartPos)
	}
	switch op.Kind {
	case KindInsert:
		if len(op.Text) == 0 {
			return fmt.Errorf("%w: insert without text", ErrInvalid)
		}
	case KindDelete:
		if op.EndPos == nil {
			return fmt.Errorf("%w: delete without end_pos", ErrInvalid)
		}
		if Compare(op.StartPos, *op.EndPos) > 0 {
			return fmt.Errorf("%w: delete span %s..%s is reversed", ErrInvalid, op.StartPos, *op.EndPos)
		}
	}
	return nil
}

// SplitLines 把每一项再按 \n 切开并去掉行尾的 \r，保证一项对应一行
func SplitLines(text []string) []string {
	out := make([]string, 0, len(text))
	for _, t := range text {
		for _, part := range strings.Split(t, "\n") {
			out = append(out, strings.TrimSuffix(part, "\r"))
		}
	}
	return out
}

// EndOf 计算把 text 插入到 start 之后光标所在的位置
func EndOf(start Pos, text []string) Pos {
	text = SplitLines(text)
	if len(text) == 0 {
		return start
	}
	if len(text) == 1 {
		return Pos{Y: start.Y, X: start.X + utf8.RuneCountInString(text[0])}
	}
	last := text[len(text)-1]
	return Pos{Y: start.Y + len(text) - 1, X: utf8.RuneCountInString(last)}
}

// Inverse 计算逆操作：应用 op 之后再应用 Inverse() 可以恢复原文档
//   - insert(start, text)        -> delete(start, end)
//   - delete(start, end, text)   -> insert(start, text)，要求 text 已由服务端补全
//   - new line(start)            -> delete(start, (start.y+1, 0))
func (op Operation) Inverse() (Operation, error) {
	switch op.Kind {
	case KindInsert:
		end := EndOf(op.StartPos, op.Text)
		if op.EndPos != nil {
			end = *op.EndPos
		}
		return NewDelete(op.StartPos, end, op.UserID), nil
	case KindDelete:
		if op.Text == nil {
			return Operation{}, fmt.Errorf("%w: delete %s without captured text", ErrNoInverse, op.StartPos)
		}
		inv := NewInsert(op.StartPos, op.Text, op.UserID)
		end := EndOf(op.StartPos, op.Text)
		inv.EndPos = &end
		return inv, nil
	case KindNewLine:
		return NewDelete(op.StartPos, Pos{Y: op.StartPos.Y + 1, X: 0}, op.UserID), nil
	}
	return Operation{}, fmt.Errorf("%w: %q", ErrNoInverse, op.Kind)
}
