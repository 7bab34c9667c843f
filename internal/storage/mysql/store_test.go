package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	"OpenMCP-Relay/internal/actor"
	"OpenMCP-Relay/internal/audit"
	xerrors "OpenMCP-Relay/internal/errors"
	"OpenMCP-Relay/internal/gateway"
	"OpenMCP-Relay/internal/secrets"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestCatalogFetchAgent(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"id", "org_id", "name", "instructions", "model_id", "tools", "mcp_server_ids", "max_steps", "updated_at"},
		values: [][]driver.Value{{
			"a-1", "o-1", "helper", "be nice", "m-1",
			`[{"id":"http","name":"http_request","parameters":{"type":"object"},"config":{"base_url":"https://api.example.com"}}]`,
			`["srv-1"]`, int64(3), t0,
		}},
	}
	db, drv := newMockDB(t, []mockOperation{queryOp(selectAgentSQL, rows)})
	defer drv.assertConsumed(t)
	defer db.Close()

	a, err := (&Catalog{db: db}).FetchAgent(context.Background(), "a-1")
	if err != nil {
		t.Fatalf("fetch agent: %v", err)
	}
	if a.Name != "helper" || a.MaxSteps != 3 || !a.UpdatedAt.Equal(t0) {
		t.Fatalf("unexpected agent: %+v", a)
	}
	if len(a.Tools) != 1 || string(a.Tools[0].Parameters) != `{"type":"object"}` {
		t.Fatalf("unexpected tools: %+v", a.Tools)
	}
	if len(a.MCPServerIDs) != 1 || a.MCPServerIDs[0] != "srv-1" {
		t.Fatalf("unexpected servers: %v", a.MCPServerIDs)
	}
}

func TestCatalogMissingRows(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(selectModelSQL, mockRowsData{columns: []string{"id"}}),
		queryOp(selectMembershipSQL, mockRowsData{columns: []string{"role"}}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	c := &Catalog{db: db}
	if _, err := c.FetchModel(context.Background(), "m-x"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	role, err := c.FetchMembershipRole(context.Background(), "g-1", "u-1")
	if err != nil || role != "" {
		t.Fatalf("expected empty role, got %q %v", role, err)
	}
}

func TestCatalogFetchSecretAndServer(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(selectSecretSQL, mockRowsData{
			columns: []string{"id", "org_id", "ciphertext", "updated_at"},
			values:  [][]driver.Value{{"s-1", "o-1", "v1.abc", t0}},
		}),
		queryOp(selectMCPServerSQL, mockRowsData{
			columns: []string{"id", "org_id", "name", "url", "status", "secret_id", "updated_at"},
			values:  [][]driver.Value{{"srv-1", "o-1", "tools", "https://mcp.example.com", "valid", "s-1", t0}},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	c := &Catalog{db: db}
	rec, err := c.FetchSecret(context.Background(), "s-1")
	if err != nil || rec.Ciphertext != "v1.abc" {
		t.Fatalf("fetch secret: %+v %v", rec, err)
	}
	srv, err := c.FetchMCPServer(context.Background(), "srv-1")
	if err != nil || srv.Status != "valid" || srv.SecretID != "s-1" {
		t.Fatalf("fetch server: %+v %v", srv, err)
	}
}

func TestGroupSessionsRoundTrip(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(upsertGroupSessionSQL, mockResult{rowsAffected: 1}),
		queryOp(selectGroupSessionSQL, mockRowsData{
			columns: []string{"group_id", "org_id", "actor_id", "public_key", "certificate", "activated_at"},
			values:  [][]driver.Value{{"g-1", "o-1", "actor-1", "pub", "cert", t0}},
		}),
		queryOp(selectGroupSessionSQL, mockRowsData{columns: []string{"group_id"}}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &GroupSessions{db: db}
	err := store.SaveGroupSession(context.Background(), gateway.GroupSession{
		GroupID: "g-1", OrgID: "o-1", ActorID: "actor-1", PublicKey: "pub", Certificate: "cert", ActivatedAt: t0,
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	key, ok, err := store.GroupPublicKey(context.Background(), "g-1")
	if err != nil || !ok || key != "pub" {
		t.Fatalf("public key: %q %v %v", key, ok, err)
	}
	missing, err := store.LoadGroupSession(context.Background(), "g-2")
	if err != nil || missing != nil {
		t.Fatalf("expected no session, got %+v %v", missing, err)
	}
}

func TestActorStateSealsPrivateKey(t *testing.T) {
	t.Parallel()

	cipher, err := secrets.NewCipher("master")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	sealed, err := cipher.Encrypt("private-key")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	db, drv := newMockDB(t, []mockOperation{
		execOp(upsertActorSessionSQL, mockResult{rowsAffected: 1}),
		queryOp(selectActorSessionSQL, mockRowsData{
			columns: []string{"group_id", "org_id", "private_key", "certificate", "updated_at"},
			values:  [][]driver.Value{{"g-1", "o-1", sealed, "cert", t0}},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &ActorState{db: db, sealer: cipher}
	if err := store.Init(context.Background(), "actor-1", actor.Session{
		GroupID: "g-1", OrgID: "o-1", PrivateKey: "private-key", Certificate: "cert", UpdatedAt: t0,
	}); err != nil {
		t.Fatalf("init: %v", err)
	}
	stored := fmt.Sprint(drv.args[0][3].Value)
	if !strings.HasPrefix(stored, sealedPrefix) || stored == "private-key" {
		t.Fatalf("private key stored in clear: %q", stored)
	}

	s, err := store.Session(context.Background(), "actor-1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if s.PrivateKey != "private-key" || s.GroupID != "g-1" {
		t.Fatalf("unexpected session: %+v", s)
	}
}

func TestActorStateSealedKeyWithoutCipher(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(selectActorSessionSQL, mockRowsData{
			columns: []string{"group_id", "org_id", "private_key", "certificate", "updated_at"},
			values:  [][]driver.Value{{"g-1", "", "v1.sealed", "cert", t0}},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	_, err := (&ActorState{db: db}).Session(context.Background(), "actor-1")
	if xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected CONFIGURATION, got %v", err)
	}
}

func TestActorStateAppendAndList(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(insertActorMessageSQL, mockResult{lastInsertID: 1, rowsAffected: 1}),
		execErrOp(insertActorMessageSQL, &mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry"}),
		queryOp(listActorMessagesSQL, mockRowsData{
			columns: []string{"message_id", "role", "text", "user_id", "agent_id", "created_at"},
			values: [][]driver.Value{
				{"m-1", "user", "hello", "u-1", "", t0},
				{"m-2", "assistant", "hi", "", "agent-a", t0.Add(time.Second)},
			},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &ActorState{db: db}
	msg := actor.Message{ID: "m-1", Role: actor.RoleUser, Text: "hello", UserID: "u-1", CreatedAt: t0}
	if err := store.Append(context.Background(), "actor-1", msg); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Append(context.Background(), "actor-1", msg); !errors.Is(err, actor.ErrDuplicateMessage) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	list, err := store.List(context.Background(), "actor-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "m-1" || list[1].AgentID != "agent-a" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestAuditSinkRecord(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{execOp(insertAuditSQL, mockResult{rowsAffected: 1})})
	defer drv.assertConsumed(t)
	defer db.Close()

	sink := &AuditSink{db: db}
	err := sink.Record(context.Background(), audit.Event{
		ID: "e-1", Type: audit.EventAccessDenied, GroupID: "g-1", Detail: map[string]string{"status": "403"}, OccurredAt: t0,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if got := fmt.Sprint(drv.args[0][8].Value); got != `{"status":"403"}` {
		t.Fatalf("unexpected detail column: %s", got)
	}
}

// appliedRows 返回前 n 个迁移的记录行，checksum 与嵌入文件一致。
func appliedRows(t *testing.T, n int) mockRowsData {
	t.Helper()
	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rows := mockRowsData{columns: []string{"version", "checksum"}}
	for _, f := range files[:n] {
		rows.values = append(rows.values, []driver.Value{f.version, f.checksum})
	}
	return rows
}

func TestRunMigrationsAppliesPending(t *testing.T) {
	t.Parallel()

	statements := readMigrationStatements(t, "0004_audit.sql")
	ops := []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(selectMigrationsSQL, appliedRows(t, 3)),
		beginOp(),
	}
	for _, stmt := range statements {
		ops = append(ops, execOp(stmt, mockResult{}))
	}
	ops = append(ops,
		execOp(insertMigrationSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	)
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := (&Store{db: db}).runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestRunMigrationsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	statements := readMigrationStatements(t, "0004_audit.sql")
	db, drv := newMockDB(t, []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(selectMigrationsSQL, appliedRows(t, 3)),
		beginOp(),
		execErrOp(statements[0], errors.New("disk full")),
		rollbackOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	err := (&Store{db: db}).runMigrations(context.Background())
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected STORAGE_FAILURE, got %v", err)
	}
}

func TestRunMigrationsRejectsModifiedMigration(t *testing.T) {
	t.Parallel()

	rows := appliedRows(t, 2)
	rows.values[1][1] = "0000000000000000000000000000000000000000000000000000000000000000"
	db, drv := newMockDB(t, []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(selectMigrationsSQL, rows),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	err := (&Store{db: db}).runMigrations(context.Background())
	if xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected CONFIGURATION for modified migration, got %v", err)
	}
}

func TestSplitSQLStatementsSkipsComments(t *testing.T) {
	got := splitSQLStatements("-- header; ignored\nCREATE TABLE a (id INT);\n\n  -- note\nCREATE TABLE b (id INT)\n")
	if len(got) != 2 || got[0] != "CREATE TABLE a (id INT)" || got[1] != "CREATE TABLE b (id INT)" {
		t.Fatalf("unexpected statements: %q", got)
	}
}

func TestMigrationFilesOrdered(t *testing.T) {
	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var versions []string
	for _, f := range files {
		versions = append(versions, f.version)
	}
	if strings.Join(versions, ",") != "0001,0002,0003,0004" {
		t.Fatalf("unexpected migration order: %v", versions)
	}
}

func TestNormalizeDSNEnablesParseTime(t *testing.T) {
	dsn, err := normalizeDSN("relay:pw@tcp(127.0.0.1:3306)/relay")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !strings.Contains(dsn, "parseTime=true") {
		t.Fatalf("parseTime not enabled: %s", dsn)
	}
	if _, err := normalizeDSN("not a dsn"); err == nil {
		t.Fatalf("expected invalid dsn error")
	}
}

func readMigrationStatements(t *testing.T, name string) []string {
	t.Helper()
	content, err := fs.ReadFile(embeddedMigrations, name)
	if err != nil {
		t.Fatalf("failed to read migration: %v", err)
	}
	statements := splitSQLStatements(string(content))
	if len(statements) == 0 {
		t.Fatalf("no statements in migration %s", name)
	}
	return statements
}
