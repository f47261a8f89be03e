package tui

import (
	"context"
	"errors"
	"strings"

	"github.com/gdamore/tcell/v2"

	"collabEditor/backend/internal/client"
)

// Submitter 接收按键的一方，即 client.Session
type Submitter interface {
	Submit(ctx context.Context, ev client.Event) error
}

// App 终端界面：把按键交给 Session，把 Session 发布的 View 画到屏幕上
type App struct {
	screen tcell.Screen
	views  chan client.View
	vp     viewport
	last   client.View
	paste  pasteBuffer
}

func New(screen tcell.Screen) *App {
	return &App{screen: screen, views: make(chan client.View, 1)}
}

// OnChange 传给 SessionOptions.OnChange；只保留最新的一份
func (a *App) OnChange(v client.View) {
	for {
		select {
		case a.views <- v:
			return
		default:
		}
		select {
		case <-a.views:
		default:
		}
	}
}

// Run 直到 ctx 结束或 Session 停止；屏幕的 Init/Fini 由调用方负责
func (a *App) Run(ctx context.Context, s Submitter) error {
	events := make(chan tcell.Event, 16)
	go func() {
		for {
			ev := a.screen.PollEvent()
			if ev == nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-a.views:
			a.last = v
			a.redraw()
		case ev := <-events:
			switch ev := ev.(type) {
			case *tcell.EventResize:
				a.screen.Sync()
				a.redraw()
			case *tcell.EventPaste:
				if ev.Start() {
					a.paste.begin()
					continue
				}
				if lines, ok := a.paste.end(); ok {
					if err := s.Submit(ctx, client.PasteEvent{Lines: lines}); err != nil {
						return ignoreStopped(err)
					}
				}
			case *tcell.EventKey:
				if a.paste.active {
					a.paste.add(ev)
					continue
				}
				k, ok := KeyFromEvent(ev)
				if !ok {
					continue
				}
				if err := s.Submit(ctx, k); err != nil {
					return ignoreStopped(err)
				}
			}
		}
	}
}

func ignoreStopped(err error) error {
	if errors.Is(err, client.ErrSessionStopped) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pasteBuffer 收集粘贴开始与结束之间的按键，结束时整体交给 Session
type pasteBuffer struct {
	active bool
	buf    strings.Builder
}

func (p *pasteBuffer) begin() {
	p.active = true
	p.buf.Reset()
}

func (p *pasteBuffer) add(ev *tcell.EventKey) {
	switch ev.Key() {
	case tcell.KeyRune:
		p.buf.WriteRune(ev.Rune())
	case tcell.KeyEnter, tcell.KeyLF:
		p.buf.WriteByte('\n')
	case tcell.KeyTab:
		p.buf.WriteByte('\t')
	}
}

// end 返回按行切分的文本；没有内容时 ok=false
func (p *pasteBuffer) end() ([]string, bool) {
	if !p.active {
		return nil, false
	}
	p.active = false
	if p.buf.Len() == 0 {
		return nil, false
	}
	return strings.Split(p.buf.String(), "\n"), true
}

func (a *App) redraw() {
	draw(a.screen, a.last, &a.vp)
	a.screen.Show()
}
