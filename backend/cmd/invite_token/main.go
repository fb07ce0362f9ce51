package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"collabClient/backend/internal/authtoken"
)

// 本地开发用：签发一枚邀请令牌。
// 示例：invite_token -session demo -user alice -owner
func main() {
	sessionID := flag.String("session", "", "session id")
	userID := flag.String("user", "", "user id")
	username := flag.String("name", "", "display name (defaults to user id)")
	owner := flag.Bool("owner", false, "grant owner rights")
	ttl := flag.Duration("ttl", 30*time.Minute, "token lifetime")
	flag.Parse()

	if *sessionID == "" || *userID == "" {
		log.Fatal("both -session and -user are required")
	}
	name := *username
	if name == "" {
		name = *userID
	}
	token, expiresAt, err := authtoken.SignInviteToken(*sessionID, *userID, name, *owner, *ttl)
	if err != nil {
		log.Fatalf("sign invite token failed: %v", err)
	}
	fmt.Println(token)
	log.Printf("expires at %s", expiresAt.Format(time.RFC3339))
}
