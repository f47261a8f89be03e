package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/gdamore/tcell/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"collabEditor/backend/config"
	"collabEditor/backend/internal/client"
	"collabEditor/backend/internal/protocol"
	"collabEditor/backend/internal/tui"
)

func main() {
	fs := pflag.NewFlagSet("collab_client", pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: collab_client [flags] <filename>\n")
		fs.PrintDefaults()
	}
	fs.String("server", "", "websocket url of the collab server")
	fs.String("token", "", "access token")
	fs.String("user", "", "user id (dev mode only, the server trusts the token otherwise)")
	fs.String("host", "", "owner of the file when opening someone else's file")
	fs.Duration("batch-idle", 0, "flush typed text after this much idle time")
	fs.String("draft", "", "path of the local draft database")
	logPath := fs.String("log", "collab_client.log", "log file")
	_ = fs.Parse(os.Args[1:])
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	filename := fs.Arg(0)

	v := viper.New()
	for key, flag := range map[string]string{
		"Client.server":    "server",
		"Client.token":     "token",
		"Client.userId":    "user",
		"Client.hostId":    "host",
		"Client.batchIdle": "batch-idle",
		"Client.draftPath": "draft",
	} {
		_ = v.BindPFlag(key, fs.Lookup(flag))
	}
	cfg, err := config.Load(v)
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	cc := cfg.Client

	drafts, err := client.OpenDraftStore(cc.DraftPath)
	if err != nil {
		log.Fatalf("open drafts: %v", err)
	}
	defer drafts.Close()
	if d, ok, err := drafts.LoadDraft(filename); err == nil && ok {
		log.Printf("found local draft of %s saved at %s (%d lines)", filename, d.SavedAt, len(d.Lines))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := client.Dial(ctx, serverURL(cc), client.DialOptions{Token: cc.Token})
	if err != nil {
		log.Fatalf("connect failed: %v", err)
	}
	defer conn.Close()

	// 终端被界面占用，日志写文件
	lf, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Fatalf("open log file: %v", err)
	}
	defer lf.Close()
	log.SetOutput(lf)

	screen, err := tcell.NewScreen()
	if err != nil {
		log.Fatalf("create screen: %v", err)
	}
	if err = screen.Init(); err != nil {
		log.Fatalf("init screen: %v", err)
	}
	screen.EnablePaste()

	app := tui.New(screen)
	sess := client.NewSession(client.NewSender(conn, cc.UserID, cc.HostID), client.SessionOptions{
		Filename:  filename,
		UserID:    cc.UserID,
		BatchIdle: cc.BatchIdle,
		Drafts:    drafts,
		OnChange:  app.OnChange,
	})
	conn.Listen(func(env protocol.Envelope) {
		_ = sess.Submit(ctx, client.RemoteEvent{Env: env})
	})
	go func() {
		<-conn.Done()
		if err := conn.Err(); err != nil {
			_ = sess.Submit(ctx, client.DisconnectEvent{Err: err})
		}
	}()

	uiCtx, cancelUI := context.WithCancel(ctx)
	uiDone := make(chan error, 1)
	go func() { uiDone <- app.Run(uiCtx, sess) }()

	runErr := sess.Run(ctx)
	cancelUI()
	screen.Fini()
	if err := <-uiDone; err != nil {
		log.Printf("ui stopped: %v", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Printf("session ended: %v", runErr)
		fmt.Fprintf(os.Stderr, "collab_client: %v\n", runErr)
	}
}

// serverURL 开发模式（无 token）下把 user_id 放到查询参数里
func serverURL(cc config.ClientConfig) string {
	if cc.Token != "" || cc.UserID == "" {
		return cc.Server
	}
	u, err := url.Parse(cc.Server)
	if err != nil {
		return cc.Server
	}
	q := u.Query()
	q.Set("user_id", cc.UserID)
	u.RawQuery = q.Encode()
	return u.String()
}
