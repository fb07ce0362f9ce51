package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"collabClient/backend/internal/editor"
	"collabClient/backend/internal/session"
)

// 终端 demo 客户端：用内存 widget 把整套引擎跑起来。
// 用法：collab_client <inviteToken> <userId> [displayName]

type ClientConfig struct {
	Relay struct {
		WsURL   string `mapstructure:"wsUrl"`
		BaseURL string `mapstructure:"baseUrl"`
	} `mapstructure:"Relay"`
	Heartbeat struct {
		IntervalSeconds int `mapstructure:"intervalSeconds"`
	} `mapstructure:"Heartbeat"`
	Presence struct {
		TimeoutSeconds int `mapstructure:"timeoutSeconds"`
	} `mapstructure:"Presence"`
}

func initConfig() (*ClientConfig, error) {
	cfg := &ClientConfig{}
	v := viper.New()
	v.SetConfigName("clientConfig")
	v.SetConfigType("yaml")
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if len(os.Args) < 3 {
		fmt.Println("usage: collab_client <inviteToken> <userId> [displayName]")
		os.Exit(1)
	}
	token := os.Args[1]
	userID := os.Args[2]
	displayName := userID
	if len(os.Args) > 3 {
		displayName = os.Args[3]
	}

	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	sess := session.New(session.Options{
		RelayURL:          cfg.Relay.WsURL,
		HeartbeatInterval: time.Duration(cfg.Heartbeat.IntervalSeconds) * time.Second,
		PresenceTimeout:   time.Duration(cfg.Presence.TimeoutSeconds) * time.Second,
		Refresher:         &session.HTTPRefresher{BaseURL: cfg.Relay.BaseURL},
	})
	widget := editor.NewMemWidget()
	binding := editor.NewBinding(sess, widget)
	defer func() {
		binding.Close()
		sess.Close()
	}()

	if err := sess.Initialize(context.Background(), token, session.LocalUser{
		ID:          userID,
		DisplayName: displayName,
	}); err != nil {
		log.Fatalf("initialize session failed: %v", err)
	}

	// renderer 要订阅 presence 登记表，必须等会话初始化完再建
	renderer := editor.NewDecorationRenderer(sess, widget)
	defer renderer.Close()

	fmt.Println("commands: i <offset> <text> | d <offset> <n> | cursor <offset> | lang <language> | text | roster | leave | end")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "i":
			if len(fields) < 3 {
				continue
			}
			off, _ := strconv.Atoi(fields[1])
			widget.Type(off, strings.Join(fields[2:], " "))
			sess.SetCursor(off + len(fields[2]))
		case "d":
			if len(fields) < 3 {
				continue
			}
			off, _ := strconv.Atoi(fields[1])
			n, _ := strconv.Atoi(fields[2])
			widget.Erase(off, n)
			sess.SetCursor(off)
		case "cursor":
			if len(fields) < 2 {
				continue
			}
			off, _ := strconv.Atoi(fields[1])
			sess.SetCursor(off)
		case "lang":
			if len(fields) < 2 {
				continue
			}
			sess.SetLanguage(fields[1])
		case "text":
			fmt.Printf("%q (len=%d, state=%s, lang=%s)\n",
				widget.Text(), sess.Doc().Len(), sess.State(), widget.Language())
		case "roster":
			for _, u := range sess.Roster() {
				fmt.Printf("- %s (%s)\n", u.DisplayName, u.ID)
			}
		case "leave":
			sess.Leave()
			return
		case "end":
			sess.End()
			return
		default:
			fmt.Println("unknown command")
		}
	}
}
