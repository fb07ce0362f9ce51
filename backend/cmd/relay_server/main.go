package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"collabClient/backend/internal/cache"
	"collabClient/backend/internal/httpapi/middleware"
	"collabClient/backend/internal/relay"
)

type RelayConfig struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"Running"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Presence struct {
		TTLSeconds int `mapstructure:"ttlSeconds"`
	} `mapstructure:"Presence"`
	Token struct {
		TTLMinutes int `mapstructure:"ttlMinutes"`
	} `mapstructure:"Token"`
}

func initConfig() (*RelayConfig, error) {
	cfg := &RelayConfig{}
	v := viper.New()
	v.SetConfigName("relayConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
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
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	presenceTTL := time.Duration(cfg.Presence.TTLSeconds) * time.Second
	if presenceTTL <= 0 {
		presenceTTL = 30 * time.Second
	}
	tokenTTL := time.Duration(cfg.Token.TTLMinutes) * time.Minute
	if tokenTTL <= 0 {
		tokenTTL = 30 * time.Minute
	}

	// 配了 redis 就用 redis 名单缓存，否则退回进程内实现
	var presenceCache cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		presenceCache = cache.NewRedisPresence(rdb)
	} else {
		presenceCache = cache.NewMemoryPresence()
	}

	hub := relay.NewHub(presenceCache, presenceTTL)
	manager := relay.NewManager(hub)

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.Default())

	// 路由
	collab := r.Group("/collab")
	// 鉴权中间件会从 Authorization 或 ?token= 提取令牌，并写入 sessionId/userId/username/owner
	collab.Use(middleware.AuthMiddleware())
	collab.GET("/ws", manager.WebSocketConnect)
	collab.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "ok",
		})
	})

	r.POST("/v1/session/refresh", relay.RefreshHandler(tokenTTL))

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
