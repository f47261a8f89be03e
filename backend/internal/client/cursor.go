package client

import "collabEditor/backend/internal/ot/operation"

// Buffer 光标移动只需要知道行数和每行长度
type Buffer interface {
	Len() int
	LineLen(y int) int
}

// MoveLeft 行首时移动到上一行末尾，文档开头不动
func MoveLeft(p operation.Pos, b Buffer) operation.Pos {
	if p.X > 0 {
		p.X--
	} else if p.Y > 0 {
		p.Y--
		p.X = b.LineLen(p.Y)
	}
	return p
}

// MoveRight 行尾时移动到下一行开头，文档末尾不动
func MoveRight(p operation.Pos, b Buffer) operation.Pos {
	if p.X < b.LineLen(p.Y) {
		p.X++
	} else if p.Y < b.Len()-1 {
		p.Y++
		p.X = 0
	}
	return p
}

func MoveUp(p operation.Pos, b Buffer) operation.Pos {
	if p.Y > 0 {
		p.Y--
		p.X = min(p.X, b.LineLen(p.Y))
	}
	return p
}

func MoveDown(p operation.Pos, b Buffer) operation.Pos {
	if p.Y < b.Len()-1 {
		p.Y++
		p.X = min(p.X, b.LineLen(p.Y))
	}
	return p
}

// Clamp 把位置限制在文档范围内
func Clamp(p operation.Pos, b Buffer) operation.Pos {
	if p.Y < 0 {
		return operation.Pos{}
	}
	if p.Y >= b.Len() {
		p.Y = b.Len() - 1
		p.X = b.LineLen(p.Y)
		return p
	}
	p.X = max(0, min(p.X, b.LineLen(p.Y)))
	return p
}

// Shift 其他协作者的操作应用之后，调整本地光标使它仍指向同一段文字
// 光标落在被删除的区间内时移动到区间起点
func Shift(p operation.Pos, op operation.Operation) operation.Pos {
	switch op.Kind {
	case operation.KindInsert, operation.KindNewLine:
		start := op.StartPos
		var end operation.Pos
		switch {
		case op.Kind == operation.KindNewLine:
			end = operation.Pos{Y: start.Y + 1}
		case op.EndPos != nil:
			end = *op.EndPos
		default:
			end = operation.EndOf(start, op.Text)
		}
		if operation.Compare(p, start) < 0 {
			return p
		}
		if p.Y == start.Y {
			return operation.Pos{Y: end.Y, X: end.X + p.X - start.X}
		}
		p.Y += end.Y - start.Y
		return p

	case operation.KindDelete:
		if op.EndPos == nil {
			return p
		}
		start, end := op.StartPos, *op.EndPos
		if operation.Compare(p, start) <= 0 {
			return p
		}
		if operation.Compare(p, end) < 0 {
			return start
		}
		if p.Y == end.Y {
			return operation.Pos{Y: start.Y, X: start.X + p.X - end.X}
		}
		p.Y -= end.Y - start.Y
		return p
	}
	return p
}
