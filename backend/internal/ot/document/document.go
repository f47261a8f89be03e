package document

import (
	"errors"
	"fmt"
	"strings"

	"collabEditor/backend/internal/ot/operation"
)

var (
	ErrOutOfRange  = errors.New("OUT_OF_RANGE")
	ErrUnsupported = errors.New("UNSUPPORTED_OPERATION")
)

// Document 按行存储的文本缓冲区
// 不变量：至少有一行（空文档为 [""]），列按 rune 计数。
// Document 本身不加锁，由持有者（服务端 session / 客户端 Session）保证串行访问。
type Document struct {
	lines [][]rune
}

func New(lines []string) *Document {
	lines = operation.SplitLines(lines)
	d := &Document{lines: make([][]rune, 0, len(lines))}
	for _, l := range lines {
		d.lines = append(d.lines, []rune(l))
	}
	if len(d.lines) == 0 {
		d.lines = [][]rune{{}}
	}
	return d
}

// FromString 以 \n 切分
func FromString(s string) *Document {
	return New(strings.Split(s, "\n"))
}

func (d *Document) Len() int { return len(d.lines) }

func (d *Document) LineLen(y int) int {
	if y < 0 || y >= len(d.lines) {
		return 0
	}
	return len(d.lines[y])
}

func (d *Document) Line(y int) string {
	if y < 0 || y >= len(d.lines) {
		return ""
	}
	return string(d.lines[y])
}

// Lines 返回副本
func (d *Document) Lines() []string {
	out := make([]string, len(d.lines))
	for i, l := range d.lines {
		out[i] = string(l)
	}
	return out
}

func (d *Document) String() string {
	return strings.Join(d.Lines(), "\n")
}

func (d *Document) checkPos(p operation.Pos) error {
	if p.Y < 0 || p.Y >= len(d.lines) {
		return fmt.Errorf("%w: line %d not in [0,%d)", ErrOutOfRange, p.Y, len(d.lines))
	}
	if p.X < 0 || p.X > len(d.lines[p.Y]) {
		return fmt.Errorf("%w: column %d not in [0,%d] on line %d", ErrOutOfRange, p.X, len(d.lines[p.Y]), p.Y)
	}
	return nil
}

// Range 取出 [start, end) 之间的文本，每个受影响的行一项，不修改文档
func (d *Document) Range(start, end operation.Pos) ([]string, error) {
	if err := d.checkPos(start); err != nil {
		return nil, err
	}
	if err := d.checkPos(end); err != nil {
		return nil, err
	}
	if operation.Compare(start, end) > 0 {
		start, end = end, start
	}
	if start.Y == end.Y {
		return []string{string(d.lines[start.Y][start.X:end.X])}, nil
	}
	out := make([]string, 0, end.Y-start.Y+1)
	out = append(out, string(d.lines[start.Y][start.X:]))
	for y := start.Y + 1; y < end.Y; y++ {
		out = append(out, string(d.lines[y]))
	}
	out = append(out, string(d.lines[end.Y][:end.X]))
	return out, nil
}

// Apply 应用一次操作，返回补全了派生字段的操作：
// insert 补 end_pos，delete 补被删除的文本（用于撤销）。
// 出错时文档保持不变。
func (d *Document) Apply(op operation.Operation) (operation.Operation, error) {
	if err := op.Validate(); err != nil {
		return operation.Operation{}, err
	}
	out := op.Clone()
	switch op.Kind {
	case operation.KindInsert:
		if err := d.checkPos(op.StartPos); err != nil {
			return operation.Operation{}, err
		}
		// 文本里夹带的换行拆成独立的行，广播和历史里记录的也是拆开后的形式
		out.Text = operation.SplitLines(op.Text)
		end := d.insert(op.StartPos, out.Text)
		out.EndPos = &end

	case operation.KindDelete:
		if err := d.checkPos(op.StartPos); err != nil {
			return operation.Operation{}, err
		}
		if err := d.checkPos(*op.EndPos); err != nil {
			return operation.Operation{}, err
		}
		out.Text = d.delete(op.StartPos, *op.EndPos)

	case operation.KindNewLine:
		if err := d.checkPos(op.StartPos); err != nil {
			return operation.Operation{}, err
		}
		d.insert(op.StartPos, []string{"", ""})

	default:
		return operation.Operation{}, fmt.Errorf("%w: %q", ErrUnsupported, op.Kind)
	}
	return out, nil
}

func (d *Document) insert(p operation.Pos, text []string) operation.Pos {
	line := d.lines[p.Y]
	head := append([]rune(nil), line[:p.X]...)
	tail := append([]rune(nil), line[p.X:]...)

	if len(text) == 1 {
		merged := append(head, []rune(text[0])...)
		d.lines[p.Y] = append(merged, tail...)
		return operation.EndOf(p, text)
	}

	inserted := make([][]rune, 0, len(text))
	inserted = append(inserted, append(head, []rune(text[0])...))
	for _, t := range text[1 : len(text)-1] {
		inserted = append(inserted, []rune(t))
	}
	last := []rune(text[len(text)-1])
	inserted = append(inserted, append(last, tail...))

	lines := make([][]rune, 0, len(d.lines)+len(text)-1)
	lines = append(lines, d.lines[:p.Y]...)
	lines = append(lines, inserted...)
	lines = append(lines, d.lines[p.Y+1:]...)
	d.lines = lines
	return operation.EndOf(p, text)
}

func (d *Document) delete(start, end operation.Pos) []string {
	if start.Y == end.Y {
		line := d.lines[start.Y]
		removed := string(line[start.X:end.X])
		kept := append([]rune(nil), line[:start.X]...)
		d.lines[start.Y] = append(kept, line[end.X:]...)
		return []string{removed}
	}

	removed := make([]string, 0, end.Y-start.Y+1)
	removed = append(removed, string(d.lines[start.Y][start.X:]))
	for y := start.Y + 1; y < end.Y; y++ {
		removed = append(removed, string(d.lines[y]))
	}
	removed = append(removed, string(d.lines[end.Y][:end.X]))

	joined := append([]rune(nil), d.lines[start.Y][:start.X]...)
	joined = append(joined, d.lines[end.Y][end.X:]...)

	lines := make([][]rune, 0, len(d.lines)-(end.Y-start.Y))
	lines = append(lines, d.lines[:start.Y]...)
	lines = append(lines, joined)
	lines = append(lines, d.lines[end.Y+1:]...)
	d.lines = lines
	return removed
}
