package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	xerrors "OpenMCP-Relay/internal/errors"
	"OpenMCP-Relay/internal/resources"
)

// Catalog 以只读方式访问目录表，实现 resources.Catalog。
type Catalog struct {
	db *sql.DB
}

// Catalog 返回目录读取器。
func (s *Store) Catalog() *Catalog {
	return &Catalog{db: s.db}
}

var _ resources.Catalog = (*Catalog)(nil)

func scanErr(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("%s %s not found", kind, id))
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("查询 %s 失败", kind))
}

const selectAgentSQL = `SELECT id, org_id, name, instructions, model_id, tools, mcp_server_ids, max_steps, updated_at
    FROM agents WHERE id = ?`

// FetchAgent 实现 resources.Catalog。
func (c *Catalog) FetchAgent(ctx context.Context, id string) (*resources.Agent, error) {
	var (
		a       resources.Agent
		tools   sql.NullString
		servers sql.NullString
	)
	row := c.db.QueryRowContext(ctx, selectAgentSQL, id)
	if err := row.Scan(&a.ID, &a.OrgID, &a.Name, &a.Instructions, &a.ModelID, &tools, &servers, &a.MaxSteps, &a.UpdatedAt); err != nil {
		return nil, scanErr(err, "agent", id)
	}
	if tools.Valid && tools.String != "" {
		if err := json.Unmarshal([]byte(tools.String), &a.Tools); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 agent tools 失败")
		}
	}
	if servers.Valid && servers.String != "" {
		if err := json.Unmarshal([]byte(servers.String), &a.MCPServerIDs); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 agent mcp_server_ids 失败")
		}
	}
	return &a, nil
}

const selectModelSQL = `SELECT id, org_id, provider, name, base_url, api_key_secret_id, temperature, updated_at
    FROM models WHERE id = ?`

// FetchModel 实现 resources.Catalog。
func (c *Catalog) FetchModel(ctx context.Context, id string) (*resources.Model, error) {
	var m resources.Model
	row := c.db.QueryRowContext(ctx, selectModelSQL, id)
	if err := row.Scan(&m.ID, &m.OrgID, &m.Provider, &m.Name, &m.BaseURL, &m.APIKeySecretID, &m.Temperature, &m.UpdatedAt); err != nil {
		return nil, scanErr(err, "model", id)
	}
	return &m, nil
}

const selectSecretSQL = `SELECT id, org_id, ciphertext, updated_at FROM secrets WHERE id = ?`

// FetchSecret 实现 resources.Catalog。
func (c *Catalog) FetchSecret(ctx context.Context, id string) (*resources.SecretRecord, error) {
	var rec resources.SecretRecord
	row := c.db.QueryRowContext(ctx, selectSecretSQL, id)
	if err := row.Scan(&rec.ID, &rec.OrgID, &rec.Ciphertext, &rec.UpdatedAt); err != nil {
		return nil, scanErr(err, "secret", id)
	}
	return &rec, nil
}

const selectMCPServerSQL = `SELECT id, org_id, name, url, status, secret_id, updated_at
    FROM mcp_servers WHERE id = ?`

// FetchMCPServer 实现 resources.Catalog。
func (c *Catalog) FetchMCPServer(ctx context.Context, id string) (*resources.MCPServer, error) {
	var srv resources.MCPServer
	row := c.db.QueryRowContext(ctx, selectMCPServerSQL, id)
	if err := row.Scan(&srv.ID, &srv.OrgID, &srv.Name, &srv.URL, &srv.Status, &srv.SecretID, &srv.UpdatedAt); err != nil {
		return nil, scanErr(err, "mcp server", id)
	}
	return &srv, nil
}

const selectMembershipSQL = `SELECT role FROM group_memberships WHERE group_id = ? AND user_id = ?`

// FetchMembershipRole 实现 resources.Catalog。
func (c *Catalog) FetchMembershipRole(ctx context.Context, groupID, userID string) (string, error) {
	var role string
	err := c.db.QueryRowContext(ctx, selectMembershipSQL, groupID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询群组成员失败")
	}
	return role, nil
}
