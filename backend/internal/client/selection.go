package client

import (
	"collabEditor/backend/internal/ot/document"
	"collabEditor/backend/internal/ot/operation"
)

type Direction int

const (
	DirLeft Direction = iota
	DirRight
	DirUp
	DirDown
)

func (d Direction) opposite() Direction {
	switch d {
	case DirLeft:
		return DirRight
	case DirRight:
		return DirLeft
	case DirUp:
		return DirDown
	}
	return DirUp
}

func (d Direction) move(p operation.Pos, b Buffer) operation.Pos {
	switch d {
	case DirLeft:
		return MoveLeft(p, b)
	case DirRight:
		return MoveRight(p, b)
	case DirUp:
		return MoveUp(p, b)
	}
	return MoveDown(p, b)
}

// SelectionState 当前选区正在朝哪个方向扩展
type SelectionState int

const (
	SelectionNone SelectionState = iota
	ExtendingLeft
	ExtendingRight
	ExtendingUp
	ExtendingDown
)

// Change 一次扩展的效果
type Change int

const (
	ChangeNone Change = iota
	ChangeGrow
	ChangeShrink
)

type step struct {
	dir  Direction
	from operation.Pos
}

// Selection 选区 = 锚点 + 光标（head）
// 每次扩展都记下方向和扩展前的位置；与栈顶方向相反的移动是收缩，
// 收缩时光标回到记录的位置，所以扩展 N 次再反向 N 次一定回到锚点。
type Selection struct {
	active bool
	anchor operation.Pos
	head   operation.Pos
	steps  []step
}

func (s *Selection) Start(at operation.Pos) {
	s.active = true
	s.anchor = at
	s.head = at
	s.steps = s.steps[:0]
}

func (s *Selection) Clear() {
	s.active = false
	s.anchor = operation.Pos{}
	s.head = operation.Pos{}
	s.steps = s.steps[:0]
}

func (s *Selection) Active() bool { return s.active }

func (s *Selection) Head() operation.Pos { return s.head }

func (s *Selection) State() SelectionState {
	if !s.active || len(s.steps) == 0 {
		return SelectionNone
	}
	switch s.steps[len(s.steps)-1].dir {
	case DirLeft:
		return ExtendingLeft
	case DirRight:
		return ExtendingRight
	case DirUp:
		return ExtendingUp
	}
	return ExtendingDown
}

// Extend 朝 dir 扩展或收缩选区，返回新的光标位置
// 未 Start 时不变
func (s *Selection) Extend(dir Direction, b Buffer) (operation.Pos, Change) {
	if !s.active {
		return s.head, ChangeNone
	}
	if n := len(s.steps); n > 0 && s.steps[n-1].dir == dir.opposite() {
		s.head = s.steps[n-1].from
		s.steps = s.steps[:n-1]
		return s.head, ChangeShrink
	}
	// 边界上的移动也记一步，之后的反向移动与它抵消
	next := dir.move(s.head, b)
	s.steps = append(s.steps, step{dir: dir, from: s.head})
	if next == s.head {
		return s.head, ChangeNone
	}
	s.head = next
	return s.head, ChangeGrow
}

// Bounds 按文档顺序返回选区的起止位置
func (s *Selection) Bounds() (operation.Pos, operation.Pos) {
	if operation.Compare(s.anchor, s.head) <= 0 {
		return s.anchor, s.head
	}
	return s.head, s.anchor
}

func (s *Selection) Empty() bool {
	return !s.active || s.anchor == s.head
}

// Extract 选中的文本（剪贴板候选），每行一项
func (s *Selection) Extract(doc *document.Document) []string {
	if s.Empty() {
		return nil
	}
	start, end := s.Bounds()
	text, err := doc.Range(start, end)
	if err != nil {
		return nil
	}
	return text
}

// DeleteRange 从本地文档删除选中的文本并清空选区，返回已应用的删除操作
func (s *Selection) DeleteRange(doc *document.Document, userID string) (operation.Operation, error) {
	start, end := s.Bounds()
	applied, err := doc.Apply(operation.NewDelete(start, end, userID))
	if err != nil {
		return operation.Operation{}, err
	}
	s.Clear()
	return applied, nil
}
