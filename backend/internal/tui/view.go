package tui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"

	"collabEditor/backend/internal/client"
	"collabEditor/backend/internal/ot/operation"
)

const helpLine = "Esc exit  ^S save  ^E select  ^U copy  ^V paste  ^X undo  ^Y history  ^D clear history"

var (
	textStyle     = tcell.StyleDefault
	selectedStyle = tcell.StyleDefault.Reverse(true)
	statusStyle   = tcell.StyleDefault.Reverse(true).Bold(true)
)

// Canvas 绘制需要的最小屏幕接口，tcell.Screen 满足它
type Canvas interface {
	Size() (width, height int)
	Clear()
	SetContent(x, y int, primary rune, combining []rune, style tcell.Style)
	ShowCursor(x, y int)
	HideCursor()
}

// viewport 滚动位置，保证光标可见
type viewport struct {
	top, left int
}

func (vp *viewport) follow(cur operation.Pos, rows, cols int) {
	if cur.Y < vp.top {
		vp.top = cur.Y
	}
	if cur.Y >= vp.top+rows {
		vp.top = cur.Y - rows + 1
	}
	if cur.X < vp.left {
		vp.left = cur.X
	}
	if cur.X >= vp.left+cols {
		vp.left = cur.X - cols + 1
	}
}

// draw 正文占除最后一行外的所有行，最后一行是状态栏
func draw(c Canvas, v client.View, vp *viewport) {
	c.Clear()
	w, h := c.Size()
	if w <= 0 || h < 2 {
		return
	}
	rows := h - 1

	if v.ShowHistory {
		drawHistory(c, v, w, rows)
		c.HideCursor()
	} else {
		vp.follow(v.Cursor, rows, w)
		for r := 0; r < rows; r++ {
			y := vp.top + r
			if y >= len(v.Lines) {
				break
			}
			line := []rune(v.Lines[y])
			for x := vp.left; x < len(line) && x-vp.left < w; x++ {
				style := textStyle
				if selected(v, operation.Pos{Y: y, X: x}) {
					style = selectedStyle
				}
				c.SetContent(x-vp.left, r, line[x], nil, style)
			}
		}
		if v.Ready {
			c.ShowCursor(v.Cursor.X-vp.left, v.Cursor.Y-vp.top)
		} else {
			c.HideCursor()
		}
	}
	putText(c, 0, rows, w, statusText(v), statusStyle, true)
}

func selected(v client.View, p operation.Pos) bool {
	return v.HasSelection && operation.Compare(p, v.SelStart) >= 0 && operation.Compare(p, v.SelEnd) < 0
}

func statusText(v client.View) string {
	mode := ""
	if v.Selecting {
		mode = " [SEL]"
	}
	msg := v.Status
	if msg == "" {
		msg = helpLine
	}
	return fmt.Sprintf(" %s  %d:%d  r%d%s  %s", v.Filename, v.Cursor.Y+1, v.Cursor.X+1, v.Revision, mode, msg)
}

func drawHistory(c Canvas, v client.View, w, rows int) {
	putText(c, 0, 0, w, fmt.Sprintf("history of %s (%d entries, any key to close)", v.Filename, len(v.History)), textStyle, false)
	// 只显示最近的记录
	entries := v.History
	if len(entries) > rows-1 {
		entries = entries[len(entries)-(rows-1):]
	}
	for i, e := range entries {
		line := fmt.Sprintf("r%-5d %s  %-12s %-14s %s", e.Revision, e.Timestamp.Local().Format("15:04:05"), e.UserID, e.Operation.Kind, e.Operation.StartPos)
		putText(c, 0, i+1, w, line, textStyle, false)
	}
}

// putText 写一行文字，fill 为 true 时用同样的样式填满整行
func putText(c Canvas, x, y, w int, s string, style tcell.Style, fill bool) {
	col := x
	for _, r := range s {
		if col >= w {
			return
		}
		c.SetContent(col, y, r, nil, style)
		col++
	}
	for fill && col < w {
		c.SetContent(col, y, ' ', nil, style)
		col++
	}
}
