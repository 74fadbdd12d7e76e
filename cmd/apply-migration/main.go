// apply-migration 执行内置数据库迁移，或执行指定的 SQL 文件。
//
//	apply-migration              # 全部内置迁移
//	apply-migration fix.sql      # 指定文件
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/config"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/repository"
	"github.com/kuaigeyun/kuaigeyun-sub011/pkg/database"
	"github.com/kuaigeyun/kuaigeyun-sub011/pkg/logger"
)

func main() {
	cfg := config.Load()
	log, err := logger.NewLogger(cfg.Log.Level, "console", "apply-migration")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		log.Fatal("Cannot connect to database", zap.Error(err))
	}
	defer database.Close(db)
	log.Info("Connected to database", zap.String("database", cfg.Database.Database))

	if len(os.Args) < 2 {
		names, err := repository.Migrations()
		if err != nil {
			log.Fatal("Failed to list migrations", zap.Error(err))
		}
		if err := repository.Migrate(ctx, db); err != nil {
			log.Fatal("Migration failed", zap.Error(err))
		}
		log.Info("Migrations applied", zap.Strings("files", names))
		return
	}

	file := os.Args[1]
	content, err := os.ReadFile(file)
	if err != nil {
		log.Fatal("Failed to read migration file", zap.String("file", file), zap.Error(err))
	}
	n, err := repository.ApplySQL(ctx, db, string(content))
	if err != nil {
		log.Fatal("Migration failed", zap.String("file", file), zap.Int("applied", n), zap.Error(err))
	}
	log.Info("Migration completed", zap.String("file", file), zap.Int("statements", n))
}
