package mysql

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"OpenMCP-Relay/deploy/migrations"
	xerrors "OpenMCP-Relay/internal/errors"
	"OpenMCP-Relay/pkg/logger"
)

var embeddedMigrations fs.FS = migrations.Files

const (
	createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS relay_schema_migrations (
    version VARCHAR(32) NOT NULL PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    checksum CHAR(64) NOT NULL,
    applied_at DATETIME(6) NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`
	selectMigrationsSQL = `SELECT version, checksum FROM relay_schema_migrations`
	insertMigrationSQL  = `INSERT INTO relay_schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`
)

// migration 是一个嵌入的 SQL 文件，版本取文件名中第一个下划线之前的部分。
type migration struct {
	version    string
	name       string
	checksum   string
	statements []string
}

// runMigrations 依版本顺序执行尚未应用的迁移。已应用迁移的内容被修改时拒绝启动。
func (s *Store) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createMigrationsTableSQL); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建迁移记录表失败")
	}
	applied, err := s.appliedChecksums(ctx)
	if err != nil {
		return err
	}
	pending, err := loadMigrationFiles()
	if err != nil {
		return err
	}

	log := logger.Named("mysql")
	for _, m := range pending {
		if sum, ok := applied[m.version]; ok {
			if sum != m.checksum {
				return xerrors.New(xerrors.CodeConfiguration,
					fmt.Sprintf("migration %s was modified after it was applied", m.name))
			}
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return err
		}
		log.Info("已应用数据库迁移", "version", m.version, "file", m.name)
	}
	return nil
}

func (s *Store) appliedChecksums(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, selectMigrationsSQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移记录失败")
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析迁移记录失败")
		}
		out[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历迁移记录失败")
	}
	return out, nil
}

// apply 在一个事务中执行迁移并写入记录。MySQL 的 DDL 会隐式提交，失败时需人工检查。
func (s *Store) apply(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	for i, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err,
				fmt.Sprintf("执行迁移 %s 第 %d 条语句失败", m.name, i+1))
		}
	}
	if _, err := tx.ExecContext(ctx, insertMigrationSQL, m.version, m.name, m.checksum, time.Now().UTC()); err != nil {
		_ = tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

// loadMigrationFiles 读取全部 .sql 文件并按版本排序，重复版本视为配置错误。
func loadMigrationFiles() ([]migration, error) {
	names, err := fs.Glob(embeddedMigrations, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("列出迁移文件失败: %w", err)
	}
	seen := make(map[string]string, len(names))
	out := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(embeddedMigrations, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		version := migrationVersion(name)
		if prev, dup := seen[version]; dup {
			return nil, xerrors.New(xerrors.CodeConfiguration,
				fmt.Sprintf("duplicate migration version %s: %s and %s", version, prev, name))
		}
		seen[version] = name

		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		sum := sha256.Sum256(content)
		out = append(out, migration{
			version:    version,
			name:       name,
			checksum:   hex.EncodeToString(sum[:]),
			statements: statements,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// splitSQLStatements 去掉整行 -- 注释后按分号切分。迁移文件中不使用字符串内的分号。
func splitSQLStatements(content string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if stmt := strings.TrimSpace(cur.String()); stmt != "" {
			out = append(out, stmt)
		}
		cur.Reset()
	}
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		for {
			idx := strings.IndexByte(line, ';')
			if idx < 0 {
				break
			}
			cur.WriteString(line[:idx])
			flush()
			line = line[idx+1:]
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	flush()
	return out
}

func migrationVersion(name string) string {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	if idx := strings.IndexByte(base, '_'); idx > 0 {
		return base[:idx]
	}
	return base
}
