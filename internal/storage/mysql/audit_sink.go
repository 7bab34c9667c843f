package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"OpenMCP-Relay/internal/audit"
)

// AuditSink 将审计事件写入 audit_events 表。
type AuditSink struct {
	db *sql.DB
}

// AuditSink 返回审计 sink。
func (s *Store) AuditSink() *AuditSink {
	return &AuditSink{db: s.db}
}

var _ audit.Sink = (*AuditSink)(nil)

// Name 实现 audit.Sink。
func (a *AuditSink) Name() string { return "mysql" }

const insertAuditSQL = `INSERT INTO audit_events (id, type, org_id, group_id, actor_id, user_id, subject, outcome, detail, occurred_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Record 实现 audit.Sink。
func (a *AuditSink) Record(ctx context.Context, e audit.Event) error {
	var detail sql.NullString
	if len(e.Detail) > 0 {
		encoded, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("序列化审计详情失败: %w", err)
		}
		detail = sql.NullString{String: string(encoded), Valid: true}
	}
	if _, err := a.db.ExecContext(ctx, insertAuditSQL,
		e.ID, e.Type, e.OrgID, e.GroupID, e.ActorID, e.UserID, e.Subject, e.Outcome, detail, e.OccurredAt); err != nil {
		return fmt.Errorf("写入审计事件失败: %w", err)
	}
	return nil
}
