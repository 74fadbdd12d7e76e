package repository

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrations 按文件名排序的内置迁移脚本
func Migrations() ([]string, error) {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// ReadMigration 读取内置迁移脚本
func ReadMigration(name string) (string, error) {
	b, err := migrationFS.ReadFile(name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SplitStatements 按分号拆分 SQL，去掉空语句与纯注释
func SplitStatements(content string) []string {
	var out []string
	for _, stmt := range strings.Split(content, ";") {
		lines := strings.Split(stmt, "\n")
		kept := lines[:0]
		for _, l := range lines {
			if strings.HasPrefix(strings.TrimSpace(l), "--") {
				continue
			}
			kept = append(kept, l)
		}
		s := strings.TrimSpace(strings.Join(kept, "\n"))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ApplySQL 逐条执行 SQL 脚本
func ApplySQL(ctx context.Context, db *sql.DB, content string) (int, error) {
	stmts := SplitStatements(content)
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			head := stmt
			if len(head) > 100 {
				head = head[:100]
			}
			return i, fmt.Errorf("failed to execute statement %d: %w (%s)", i+1, err, head)
		}
	}
	return len(stmts), nil
}

// Migrate 执行全部内置迁移
func Migrate(ctx context.Context, db *sql.DB) error {
	names, err := Migrations()
	if err != nil {
		return err
	}
	for _, name := range names {
		content, err := ReadMigration(name)
		if err != nil {
			return err
		}
		if _, err := ApplySQL(ctx, db, content); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
