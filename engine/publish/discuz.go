// Package publish republishes completed articles into a Discuz forum by
// writing the thread, post, forum, and member counter tables directly in a
// single transaction. The forum's own HTTP surface is never involved.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/contentrelay/contentrelay/engine/domain"
)

// maxSubjectRunes is the Discuz subject column limit.
const maxSubjectRunes = 80

// ForumConfig identifies the target forum and posting identity.
type ForumConfig struct {
	// FID is the forum (board) id threads are created in.
	FID int64
	// UID and Username are the author identity stamped on threads.
	UID      int64
	Username string
	// TablePrefix is the Discuz table prefix, normally "pre_".
	TablePrefix string
}

func (c ForumConfig) prefix() string {
	if c.TablePrefix == "" {
		return "pre_"
	}
	return c.TablePrefix
}

// Publisher writes articles into the Discuz database.
type Publisher struct {
	db  *sqlx.DB
	cfg ForumConfig
	log *slog.Logger
}

// NewPublisher creates a Publisher over an open Discuz database connection.
func NewPublisher(db *sqlx.DB, cfg ForumConfig, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{db: db, cfg: cfg, log: log.With("component", "publish")}
}

// Publish creates a thread for the article and returns its tid. All four
// table writes commit together or not at all.
func (p *Publisher) Publish(ctx context.Context, a domain.Article) (int64, error) {
	subject := truncateRunes(a.Title, maxSubjectRunes)
	message := PrepareContent(a.Title, a.Content)
	pre := p.cfg.prefix()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", domain.ErrPublish, err)
	}
	defer tx.Rollback()

	var tid int64
	if err := tx.GetContext(ctx, &tid,
		`SELECT COALESCE(MAX(tid), 0) + 1 FROM `+pre+`forum_thread`); err != nil {
		return 0, fmt.Errorf("%w: next tid: %v", domain.ErrPublish, err)
	}
	var pid int64
	if err := tx.GetContext(ctx, &pid,
		`SELECT COALESCE(MAX(pid), 0) + 1 FROM `+pre+`forum_post`); err != nil {
		return 0, fmt.Errorf("%w: next pid: %v", domain.ErrPublish, err)
	}

	now := time.Now().Unix()

	threadQ := `
		INSERT INTO ` + pre + `forum_thread
			(tid, fid, author, authorid, subject, dateline, lastpost, lastposter,
			 views, replies, displayorder, digest, special, attachment, moderated,
			 closed, stickreply, recommends, recommend_add, recommend_sub, heats,
			 status, favtimes, sharetimes, stamp, icon, pushedaid, cover,
			 replycredit, relatebytag, maxposition, bgcolor, comments, hidden)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?,
			 0, 0, 0, 0, 0, 0, 0,
			 0, 0, 0, 0, 0, 0,
			 0, 0, 0, -1, -1, 0, 0,
			 0, '', 1, '', 0, 0)`
	if _, err := tx.ExecContext(ctx, threadQ,
		tid, p.cfg.FID, p.cfg.Username, p.cfg.UID, subject, now, now, p.cfg.Username); err != nil {
		return 0, fmt.Errorf("%w: insert thread: %v", domain.ErrPublish, err)
	}

	postQ := `
		INSERT INTO ` + pre + `forum_post
			(pid, fid, tid, first, author, authorid, subject, dateline, message,
			 useip, port, invisible, anonymous, usesig, htmlon, bbcodeoff,
			 smileyoff, parseurloff, attachment, rate, ratetimes, status, tags,
			 comment, replycredit, position)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?,
			 '', 0, 0, 0, 1, 0, 0,
			 0, 0, 0, 0, 0, 0, '',
			 0, 0, 1)`
	if _, err := tx.ExecContext(ctx, postQ,
		pid, p.cfg.FID, tid, p.cfg.Username, p.cfg.UID, subject, now, message); err != nil {
		return 0, fmt.Errorf("%w: insert post: %v", domain.ErrPublish, err)
	}

	lastpost := fmt.Sprintf("%d\t%s\t%d\t%s", tid, subject, now, p.cfg.Username)
	forumQ := `
		UPDATE ` + pre + `forum_forum
		SET threads = threads + 1, posts = posts + 1, lastpost = ?
		WHERE fid = ?`
	if _, err := tx.ExecContext(ctx, forumQ, lastpost, p.cfg.FID); err != nil {
		return 0, fmt.Errorf("%w: update forum: %v", domain.ErrPublish, err)
	}

	memberQ := `
		UPDATE ` + pre + `common_member_count
		SET posts = posts + 1, threads = threads + 1
		WHERE uid = ?`
	if _, err := tx.ExecContext(ctx, memberQ, p.cfg.UID); err != nil {
		return 0, fmt.Errorf("%w: update member count: %v", domain.ErrPublish, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", domain.ErrPublish, err)
	}

	p.log.Info("article published", "tid", tid, "pid", pid, "subject", subject)
	return tid, nil
}

// PrepareContent returns the post body. Articles whose extraction produced
// no content publish a title-only placeholder.
func PrepareContent(title, content string) string {
	if strings.TrimSpace(content) == "" {
		return "文章标题：" + title
	}
	return content
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
