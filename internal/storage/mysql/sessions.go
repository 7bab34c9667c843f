package mysql

import (
	"context"
	"database/sql"
	"errors"

	xerrors "OpenMCP-Relay/internal/errors"
	"OpenMCP-Relay/internal/gateway"
)

// GroupSessions 实现 gateway.SessionStore。
type GroupSessions struct {
	db *sql.DB
}

// GroupSessions 返回群组会话仓库。
func (s *Store) GroupSessions() *GroupSessions {
	return &GroupSessions{db: s.db}
}

var _ gateway.SessionStore = (*GroupSessions)(nil)

const upsertGroupSessionSQL = `INSERT INTO group_sessions (group_id, org_id, actor_id, public_key, certificate, activated_at)
    VALUES (?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE org_id = VALUES(org_id), actor_id = VALUES(actor_id), public_key = VALUES(public_key),
    certificate = VALUES(certificate), activated_at = VALUES(activated_at)`

// SaveGroupSession 覆盖写入群组会话。
func (g *GroupSessions) SaveGroupSession(ctx context.Context, session gateway.GroupSession) error {
	_, err := g.db.ExecContext(ctx, upsertGroupSessionSQL,
		session.GroupID, session.OrgID, session.ActorID, session.PublicKey, session.Certificate, session.ActivatedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入群组会话失败")
	}
	return nil
}

const selectGroupSessionSQL = `SELECT group_id, org_id, actor_id, public_key, certificate, activated_at
    FROM group_sessions WHERE group_id = ?`

// LoadGroupSession 读取群组会话，未激活时返回 nil。
func (g *GroupSessions) LoadGroupSession(ctx context.Context, groupID string) (*gateway.GroupSession, error) {
	var s gateway.GroupSession
	err := g.db.QueryRowContext(ctx, selectGroupSessionSQL, groupID).
		Scan(&s.GroupID, &s.OrgID, &s.ActorID, &s.PublicKey, &s.Certificate, &s.ActivatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取群组会话失败")
	}
	return &s, nil
}

// GroupPublicKey 返回群组当前的会话公钥。
func (g *GroupSessions) GroupPublicKey(ctx context.Context, groupID string) (string, bool, error) {
	s, err := g.LoadGroupSession(ctx, groupID)
	if err != nil || s == nil {
		return "", false, err
	}
	return s.PublicKey, true, nil
}
