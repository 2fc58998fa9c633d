package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/burrow/internal/config"
)

// Group is one registered conversation context.
type Group struct {
	ChatJID   string
	Name      string
	Folder    string
	Trigger   string
	IsMain    bool
	Container *config.GroupContainerConfig
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpsertGroup registers a group or updates an existing registration in place.
// Groups are never auto-deleted.
func (s *Store) UpsertGroup(ctx context.Context, g Group) error {
	if g.ChatJID == "" || g.Folder == "" {
		return fmt.Errorf("group requires chat_jid and folder")
	}
	var containerJSON sql.NullString
	if g.Container != nil {
		data, err := json.Marshal(g.Container)
		if err != nil {
			return fmt.Errorf("marshal container config: %w", err)
		}
		containerJSON = sql.NullString{String: string(data), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (chat_jid, name, folder, trigger_phrase, is_main, container_config)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_jid) DO UPDATE SET
			name = excluded.name,
			folder = excluded.folder,
			trigger_phrase = excluded.trigger_phrase,
			is_main = excluded.is_main,
			container_config = excluded.container_config,
			updated_at = CURRENT_TIMESTAMP;
	`, g.ChatJID, g.Name, g.Folder, g.Trigger, g.IsMain, containerJSON)
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

// GroupByFolder returns the group owning the given folder.
func (s *Store) GroupByFolder(ctx context.Context, folder string) (Group, error) {
	return s.scanGroup(s.db.QueryRowContext(ctx,
		groupSelect+` WHERE folder = ?;`, folder))
}

// GroupByJID returns the group with the given chat identifier.
func (s *Store) GroupByJID(ctx context.Context, chatJID string) (Group, error) {
	return s.scanGroup(s.db.QueryRowContext(ctx,
		groupSelect+` WHERE chat_jid = ?;`, chatJID))
}

// MainGroup returns the privileged group, if one is registered.
func (s *Store) MainGroup(ctx context.Context) (Group, error) {
	return s.scanGroup(s.db.QueryRowContext(ctx,
		groupSelect+` WHERE is_main = 1 LIMIT 1;`))
}

// ListGroups returns all registered groups ordered by folder.
func (s *Store) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, groupSelect+` ORDER BY folder ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		g, err := s.scanGroupRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("group rows: %w", err)
	}
	return out, nil
}

const groupSelect = `
	SELECT chat_jid, name, folder, trigger_phrase, is_main, container_config, created_at, updated_at
	FROM groups`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanGroup(row rowScanner) (Group, error) {
	var (
		g             Group
		containerJSON sql.NullString
	)
	err := row.Scan(&g.ChatJID, &g.Name, &g.Folder, &g.Trigger, &g.IsMain, &containerJSON, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, fmt.Errorf("scan group: %w", err)
	}
	if containerJSON.Valid && containerJSON.String != "" {
		var cc config.GroupContainerConfig
		if err := json.Unmarshal([]byte(containerJSON.String), &cc); err != nil {
			return Group{}, fmt.Errorf("parse container config for %s: %w", g.Folder, err)
		}
		g.Container = &cc
	}
	return g, nil
}

func (s *Store) scanGroupRows(rows *sql.Rows) (Group, error) {
	return s.scanGroup(rows)
}
