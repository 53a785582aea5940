package main

import (
	"context"
	"io"
	"log"
	"os"

	"codeagent/internal/api"
	"codeagent/internal/config"
	"codeagent/internal/history"
	"codeagent/internal/llm"
	"codeagent/internal/redis"
	"codeagent/internal/session"
	"codeagent/internal/storage"

	"github.com/gin-gonic/gin"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfgPath := os.Getenv("CODEAGENT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if cfg.Logging.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	}

	dbType := os.Getenv("CODEAGENT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	cache, err := redis.NewClient(cfg)
	if err != nil {
		log.Printf("redis unavailable, session journal disabled: %v", err)
		cache = nil
	}
	defer cache.Close()

	store := history.New(db)
	journal := session.NewJournal(cache)
	manager := session.NewManager(store, llm.NewService(cfg), journal)

	// A marker left behind by a previous process means a generation was
	// interrupted; commit any snapshotted partial text before serving.
	if err := manager.Recover(context.Background()); err != nil {
		log.Fatalf("recover interrupted session: %v", err)
	}

	handlers := api.NewHandler(store, manager, cfg)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
