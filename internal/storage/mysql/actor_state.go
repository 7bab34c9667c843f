package mysql

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"OpenMCP-Relay/internal/actor"
	xerrors "OpenMCP-Relay/internal/errors"
)

// KeySealer 加解密落库的会话私钥，通常是 secrets.Cipher。
type KeySealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// sealedPrefix 与 secrets 包的密文版本前缀一致。
const sealedPrefix = "v1."

// ActorState 实现 actor.StateStore。
type ActorState struct {
	db     *sql.DB
	sealer KeySealer
}

// ActorState 返回 actor 状态仓库。sealer 非空时会话私钥加密存储。
func (s *Store) ActorState(sealer KeySealer) *ActorState {
	return &ActorState{db: s.db, sealer: sealer}
}

var _ actor.StateStore = (*ActorState)(nil)

// Bootstrap 实现 actor.StateStore。表结构已由迁移创建，这里只检查连通性。
func (a *ActorState) Bootstrap(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

const upsertActorSessionSQL = `INSERT INTO actor_sessions (actor_id, group_id, org_id, private_key, certificate, updated_at)
    VALUES (?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE group_id = VALUES(group_id), org_id = VALUES(org_id), private_key = VALUES(private_key),
    certificate = VALUES(certificate), updated_at = VALUES(updated_at)`

// Init 实现 actor.StateStore。
func (a *ActorState) Init(ctx context.Context, actorID string, session actor.Session) error {
	key := session.PrivateKey
	if a.sealer != nil {
		sealed, err := a.sealer.Encrypt(key)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, "加密会话私钥失败")
		}
		key = sealed
	}
	if _, err := a.db.ExecContext(ctx, upsertActorSessionSQL,
		actorID, session.GroupID, session.OrgID, key, session.Certificate, session.UpdatedAt); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 actor 会话失败")
	}
	return nil
}

const selectActorSessionSQL = `SELECT group_id, org_id, private_key, certificate, updated_at
    FROM actor_sessions WHERE actor_id = ?`

// Session 实现 actor.StateStore。
func (a *ActorState) Session(ctx context.Context, actorID string) (*actor.Session, error) {
	var s actor.Session
	err := a.db.QueryRowContext(ctx, selectActorSessionSQL, actorID).
		Scan(&s.GroupID, &s.OrgID, &s.PrivateKey, &s.Certificate, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 actor 会话失败")
	}
	if strings.HasPrefix(s.PrivateKey, sealedPrefix) {
		if a.sealer == nil {
			return nil, xerrors.New(xerrors.CodeConfiguration, "session key is sealed but no master key is configured")
		}
		plain, err := a.sealer.Decrypt(s.PrivateKey)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解密会话私钥失败")
		}
		s.PrivateKey = plain
	}
	return &s, nil
}

const insertActorMessageSQL = `INSERT INTO actor_messages (actor_id, message_id, role, text, user_id, agent_id, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)`

// Append 实现 actor.StateStore。
func (a *ActorState) Append(ctx context.Context, actorID string, msg actor.Message) error {
	_, err := a.db.ExecContext(ctx, insertActorMessageSQL,
		actorID, msg.ID, msg.Role, msg.Text, msg.UserID, msg.AgentID, msg.CreatedAt)
	if isDuplicateKey(err) {
		return actor.ErrDuplicateMessage
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入消息失败")
	}
	return nil
}

const listActorMessagesSQL = `SELECT message_id, role, text, user_id, agent_id, created_at
    FROM actor_messages WHERE actor_id = ? ORDER BY seq ASC`

// List 实现 actor.StateStore。
func (a *ActorState) List(ctx context.Context, actorID string) ([]actor.Message, error) {
	rows, err := a.db.QueryContext(ctx, listActorMessagesSQL, actorID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询消息失败")
	}
	defer rows.Close()

	out := []actor.Message{}
	for rows.Next() {
		var m actor.Message
		if err := rows.Scan(&m.ID, &m.Role, &m.Text, &m.UserID, &m.AgentID, &m.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析消息失败")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历消息失败")
	}
	return out, nil
}
