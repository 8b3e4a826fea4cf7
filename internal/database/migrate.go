package database

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// schema is written once with type markers that Migrate expands per dialect.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS customers (
		id {{pk}},
		first_name VARCHAR(255) NOT NULL DEFAULT '',
		last_name VARCHAR(255) NOT NULL DEFAULT '',
		company VARCHAR(255) NOT NULL DEFAULT '',
		job_title VARCHAR(255) NOT NULL DEFAULT '',
		phone VARCHAR(64) NOT NULL DEFAULT '',
		website VARCHAR(255) NOT NULL DEFAULT '',
		address VARCHAR(255) NOT NULL DEFAULT '',
		city VARCHAR(255) NOT NULL DEFAULT '',
		state VARCHAR(255) NOT NULL DEFAULT '',
		zip VARCHAR(32) NOT NULL DEFAULT '',
		country VARCHAR(64) NOT NULL DEFAULT '',
		photo_url VARCHAR(512) NOT NULL DEFAULT '',
		notes {{text}},
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS customer_emails (
		id {{pk}},
		customer_id BIGINT NOT NULL,
		email VARCHAR(191) NOT NULL,
		type VARCHAR(16) NOT NULL DEFAULT 'other',
		created_at {{ts}} NOT NULL,
		CONSTRAINT uq_customer_emails_email UNIQUE (email)
	)`,
	`CREATE TABLE IF NOT EXISTS mailboxes (
		id {{pk}},
		name VARCHAR(255) NOT NULL,
		email VARCHAR(191) NOT NULL,
		in_protocol VARCHAR(16) NOT NULL DEFAULT 'imaps',
		in_host VARCHAR(255) NOT NULL DEFAULT '',
		in_port INTEGER NOT NULL DEFAULT 0,
		in_username VARCHAR(255) NOT NULL DEFAULT '',
		in_password VARCHAR(255) NOT NULL DEFAULT '',
		in_folder VARCHAR(255) NOT NULL DEFAULT '',
		auto_reply_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		auto_reply_subject VARCHAR(255) NOT NULL DEFAULT '',
		auto_reply_body {{text}},
		auto_bcc VARCHAR(255) NOT NULL DEFAULT '',
		ticket_counter INTEGER NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS folders (
		id {{pk}},
		mailbox_id BIGINT NOT NULL,
		user_id BIGINT NULL,
		type VARCHAR(16) NOT NULL,
		active_count INTEGER NOT NULL DEFAULT 0,
		total_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id {{pk}},
		number INTEGER NOT NULL,
		mailbox_id BIGINT NOT NULL,
		customer_id BIGINT NOT NULL,
		customer_email VARCHAR(191) NOT NULL DEFAULT '',
		assignee_id BIGINT NULL,
		folder_id BIGINT NOT NULL,
		subject VARCHAR(998) NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL,
		state VARCHAR(16) NOT NULL,
		last_reply_at {{ts}} NULL,
		last_reply_from VARCHAR(16) NOT NULL DEFAULT '',
		threads_count INTEGER NOT NULL DEFAULT 0,
		starred BOOLEAN NOT NULL DEFAULT FALSE,
		open_key VARCHAR(64) NULL,
		closed_at {{ts}} NULL,
		created_by_user_id BIGINT NULL,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL,
		CONSTRAINT uq_tickets_mailbox_number UNIQUE (mailbox_id, number),
		CONSTRAINT uq_tickets_open_key UNIQUE (open_key)
	)`,
	`CREATE TABLE IF NOT EXISTS threads (
		id {{pk}},
		ticket_id BIGINT NOT NULL,
		mailbox_id BIGINT NOT NULL,
		type VARCHAR(16) NOT NULL,
		customer_id BIGINT NULL,
		user_id BIGINT NULL,
		from_address VARCHAR(255) NOT NULL DEFAULT '',
		to_addresses {{text}},
		cc_addresses {{text}},
		bcc_addresses {{text}},
		subject VARCHAR(998) NOT NULL DEFAULT '',
		body {{longtext}},
		original_body {{longtext}} NULL,
		external_id VARCHAR(255) NULL,
		in_reply_to VARCHAR(255) NOT NULL DEFAULT '',
		state VARCHAR(16) NOT NULL,
		edited_at {{ts}} NULL,
		edited_by_user_id BIGINT NULL,
		created_at {{ts}} NOT NULL,
		CONSTRAINT uq_threads_mailbox_external UNIQUE (mailbox_id, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS attachments (
		id {{pk}},
		thread_id BIGINT NOT NULL,
		filename VARCHAR(255) NOT NULL,
		mime_type VARCHAR(255) NOT NULL DEFAULT 'application/octet-stream',
		size BIGINT NOT NULL DEFAULT 0,
		inline BOOLEAN NOT NULL DEFAULT FALSE,
		content {{blob}}
	)`,
	`CREATE TABLE IF NOT EXISTS mail_queue (
		id {{pk}},
		mailbox_id BIGINT NOT NULL,
		ticket_id BIGINT NULL,
		thread_id BIGINT NULL,
		kind VARCHAR(32) NOT NULL,
		sender VARCHAR(255) NOT NULL,
		recipient {{text}},
		message_id VARCHAR(255) NOT NULL,
		raw_message {{blob}},
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error {{text}} NULL,
		due_at {{ts}} NULL,
		created_at {{ts}} NOT NULL,
		CONSTRAINT uq_mail_queue_message_id UNIQUE (message_id)
	)`,
	`CREATE TABLE IF NOT EXISTS outbound_ids (
		id {{pk}},
		mailbox_id BIGINT NOT NULL,
		ticket_id BIGINT NOT NULL,
		message_id VARCHAR(255) NOT NULL,
		created_at {{ts}} NOT NULL,
		CONSTRAINT uq_outbound_ids_mailbox_message UNIQUE (mailbox_id, message_id)
	)`,
	`CREATE INDEX {{ifnotexists}} idx_customer_emails_customer ON customer_emails (customer_id)`,
	`CREATE INDEX {{ifnotexists}} idx_folders_mailbox ON folders (mailbox_id, type)`,
	`CREATE INDEX {{ifnotexists}} idx_tickets_customer ON tickets (mailbox_id, customer_id, status)`,
	`CREATE INDEX {{ifnotexists}} idx_tickets_folder ON tickets (folder_id)`,
	`CREATE INDEX {{ifnotexists}} idx_threads_ticket ON threads (ticket_id)`,
	`CREATE INDEX {{ifnotexists}} idx_attachments_thread ON attachments (thread_id)`,
}

func expand(stmt string, d Dialect) string {
	var r *strings.Replacer
	switch d {
	case MySQL:
		// MySQL has no CREATE INDEX IF NOT EXISTS; Migrate tolerates duplicates.
		r = strings.NewReplacer(
			"{{pk}}", "BIGINT AUTO_INCREMENT PRIMARY KEY",
			"{{ts}}", "DATETIME(6)",
			"{{text}}", "TEXT",
			"{{longtext}}", "LONGTEXT",
			"{{blob}}", "LONGBLOB",
			"{{ifnotexists}} ", "",
		)
	case SQLite:
		r = strings.NewReplacer(
			"{{pk}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
			"{{ts}}", "DATETIME",
			"{{text}}", "TEXT",
			"{{longtext}}", "TEXT",
			"{{blob}}", "BLOB",
			"{{ifnotexists}}", "IF NOT EXISTS",
		)
	default:
		r = strings.NewReplacer(
			"{{pk}}", "BIGSERIAL PRIMARY KEY",
			"{{ts}}", "TIMESTAMPTZ",
			"{{text}}", "TEXT",
			"{{longtext}}", "TEXT",
			"{{blob}}", "BYTEA",
			"{{ifnotexists}}", "IF NOT EXISTS",
		)
	}
	return r.Replace(stmt)
}

// Migrate creates the tables and indexes if they do not exist yet and
// returns the number of statements executed.
func Migrate(ctx context.Context, q Queryer) (int, error) {
	d := DialectOf(q)
	applied := 0
	for _, stmt := range schema {
		sqlText := expand(stmt, d)
		if _, err := q.ExecContext(ctx, sqlText); err != nil {
			if d == MySQL && strings.HasPrefix(sqlText, "CREATE INDEX") && strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return applied, fmt.Errorf("migrate: %w", err)
		}
		applied++
	}
	log.Printf("migrations: applied %d statements (%s)", applied, d)
	return applied, nil
}
