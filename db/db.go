// Package db persists channels, chatters and session history in Postgres.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres connection pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("db dsn empty")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	dbx.SetMaxOpenConns(10)
	dbx.SetConnMaxIdleTime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbx.PingContext(pctx); err != nil {
		_ = dbx.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return dbx, nil
}

// Node is a channel with the number of distinct chatters seen within a window.
type Node struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Follower  int64  `json:"follower"`
	Image     string `json:"image,omitempty"`
	ChatCount int64  `json:"chat_count"`
}

// Link is the chatter overlap between two channels. Distance is the overlap divided by
// the smaller channel's chatter count.
type Link struct {
	Source   string  `json:"source"`
	Target   string  `json:"target"`
	Inter    int64   `json:"inter"`
	Distance float64 `json:"distance"`
}

// Graph answers chatter overlap queries over the chat table.
type Graph struct {
	DB *sql.DB
}

// Nodes returns the channels with the most chatters active since now-window.
func (g *Graph) Nodes(ctx context.Context, window time.Duration, limit int) ([]Node, error) {
	rows, err := g.DB.QueryContext(ctx, `
		WITH valid_chat AS (
			SELECT channel_id cid
			FROM chat
			WHERE updated_at >= NOW() - make_interval(secs => $1)
		)
		SELECT c.id, c.name, c.follower, COALESCE(c.image, ''), COUNT(*) chat_count
		FROM valid_chat vc
		JOIN channel c ON vc.cid = c.id
		GROUP BY c.id, c.name, c.follower, c.image
		ORDER BY chat_count DESC, c.id
		LIMIT $2`, window.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("select nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.Name, &n.Follower, &n.Image, &n.ChatCount); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Links returns the pairwise chatter overlap among the top channels of Nodes.
func (g *Graph) Links(ctx context.Context, window time.Duration, limit int) ([]Link, error) {
	rows, err := g.DB.QueryContext(ctx, `
		WITH
		valid_chat AS (
			SELECT channel_id cid, user_id uid
			FROM chat
			WHERE updated_at >= NOW() - make_interval(secs => $1)
		),
		valid_channel AS (
			SELECT cid id, COUNT(*) cnt
			FROM valid_chat
			GROUP BY cid
			ORDER BY cnt DESC, cid
			LIMIT $2
		),
		channel_pair AS (
			SELECT a.id a_cid, b.id b_cid, a.cnt a_cnt, b.cnt b_cnt
			FROM valid_channel a
			JOIN valid_channel b ON a.id < b.id
		),
		chat_inter AS (
			SELECT a.cid a_cid, b.cid b_cid, COUNT(*) inter
			FROM valid_chat a
			JOIN valid_chat b ON a.uid = b.uid AND a.cid < b.cid
			GROUP BY a.cid, b.cid
		)
		SELECT p.a_cid, p.b_cid, COALESCE(i.inter, 0),
			COALESCE(i.inter, 0)::float8 / LEAST(p.a_cnt, p.b_cnt) distance
		FROM channel_pair p
		LEFT JOIN chat_inter i ON i.a_cid = p.a_cid AND i.b_cid = p.b_cid
		ORDER BY distance DESC, p.a_cid, p.b_cid`, window.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("select links: %w", err)
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.Source, &l.Target, &l.Inter, &l.Distance); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
