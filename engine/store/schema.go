package store

// Schema bootstrap. The articles table is the canonical store; the
// wechat_articles view keeps older reporting queries working. article_url
// stays at 700 chars so the composite unique key fits InnoDB's 3072-byte
// index limit under utf8mb4.
const (
	createArticlesTable = `
CREATE TABLE IF NOT EXISTS articles (
	id              BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
	account_name    VARCHAR(255)    NOT NULL DEFAULT '',
	title           VARCHAR(512)    NOT NULL DEFAULT '',
	article_url     VARCHAR(700)    NOT NULL,
	publish_timestamp DATETIME      NOT NULL,
	source_type     VARCHAR(32)     NOT NULL DEFAULT 'wechat',
	content         LONGTEXT        NULL,
	author          VARCHAR(255)    NOT NULL DEFAULT '',
	word_count      INT             NOT NULL DEFAULT 0,
	images          MEDIUMTEXT      NULL,
	crawl_status    VARCHAR(16)     NOT NULL DEFAULT 'pending',
	crawl_attempts  INT             NOT NULL DEFAULT 0,
	crawl_error     TEXT            NULL,
	fetched_at      DATETIME        NOT NULL,
	crawled_at      DATETIME        NULL,
	forum_tid       BIGINT          NULL,
	forum_published TINYINT(1)      NULL,
	PRIMARY KEY (id),
	UNIQUE KEY uniq_source_url (source_type, article_url),
	KEY idx_crawl_status (crawl_status),
	KEY idx_forum_published (forum_published),
	KEY idx_fetched_at (fetched_at),
	KEY idx_account_fetched (account_name, fetched_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

	createLegacyView = `
CREATE OR REPLACE VIEW wechat_articles AS
SELECT * FROM articles WHERE source_type = 'wechat'`
)
