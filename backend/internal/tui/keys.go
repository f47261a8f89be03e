package tui

import (
	"unicode"

	"github.com/gdamore/tcell/v2"

	"collabEditor/backend/internal/client"
)

// 快捷键（Ctrl+字母）
var ctrlBindings = map[rune]client.Key{
	'e': client.KeyToggleSelect,
	'u': client.KeyCopy,
	'v': client.KeyPaste,
	'x': client.KeyUndo,
	's': client.KeySave,
	'y': client.KeyHistory,
	'd': client.KeyDeleteHistory,
}

var ctrlKeys = map[tcell.Key]rune{
	tcell.KeyCtrlE: 'e',
	tcell.KeyCtrlU: 'u',
	tcell.KeyCtrlV: 'v',
	tcell.KeyCtrlX: 'x',
	tcell.KeyCtrlS: 's',
	tcell.KeyCtrlY: 'y',
	tcell.KeyCtrlD: 'd',
}

// KeyFromEvent 把终端按键映射为编辑器按键，ok=false 表示忽略
func KeyFromEvent(ev *tcell.EventKey) (client.KeyEvent, bool) {
	shift := ev.Modifiers()&tcell.ModShift != 0
	switch ev.Key() {
	case tcell.KeyEscape:
		return client.KeyEvent{Key: client.KeyExit}, true
	case tcell.KeyBackspace, tcell.KeyBackspace2:
		return client.KeyEvent{Key: client.KeyBackspace}, true
	case tcell.KeyEnter:
		return client.KeyEvent{Key: client.KeyEnter}, true
	case tcell.KeyLeft:
		return arrow(shift, client.KeyLeft, client.KeySelectLeft), true
	case tcell.KeyRight:
		return arrow(shift, client.KeyRight, client.KeySelectRight), true
	case tcell.KeyUp:
		return arrow(shift, client.KeyUp, client.KeySelectUp), true
	case tcell.KeyDown:
		return arrow(shift, client.KeyDown, client.KeySelectDown), true
	case tcell.KeyRune:
		r := ev.Rune()
		if ev.Modifiers()&tcell.ModCtrl != 0 {
			k, ok := ctrlBindings[unicode.ToLower(r)]
			return client.KeyEvent{Key: k}, ok
		}
		if !unicode.IsPrint(r) {
			return client.KeyEvent{}, false
		}
		return client.KeyEvent{Key: client.KeyRune, Rune: r}, true
	}
	if r, ok := ctrlKeys[ev.Key()]; ok {
		return client.KeyEvent{Key: ctrlBindings[r]}, true
	}
	return client.KeyEvent{}, false
}

func arrow(shift bool, plain, selecting client.Key) client.KeyEvent {
	if shift {
		return client.KeyEvent{Key: selecting}
	}
	return client.KeyEvent{Key: plain}
}
