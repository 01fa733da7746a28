package postgres

import (
	"context"
	"fmt"
)

// schema 为幂等 DDL，启动时由 Migrate 执行。position 列用于保持追加顺序。
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	login TEXT NOT NULL,
	local BOOLEAN NOT NULL DEFAULT FALSE,
	email TEXT,
	UNIQUE (login, local)
)`,
	`CREATE TABLE IF NOT EXISTS packages (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	normalized_name TEXT NOT NULL UNIQUE,
	local BOOLEAN NOT NULL DEFAULT FALSE,
	last_synced_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS package_roles (
	package_id BIGINT NOT NULL REFERENCES packages (id),
	user_id BIGINT NOT NULL REFERENCES users (id),
	role TEXT NOT NULL,
	position BIGSERIAL,
	PRIMARY KEY (package_id, user_id, role)
)`,
	`CREATE TABLE IF NOT EXISTS classifiers (
	name TEXT PRIMARY KEY
)`,
	`CREATE TABLE IF NOT EXISTS package_classifiers (
	package_id BIGINT NOT NULL REFERENCES packages (id),
	name TEXT NOT NULL REFERENCES classifiers (name),
	position BIGSERIAL,
	PRIMARY KEY (package_id, name)
)`,
	`CREATE TABLE IF NOT EXISTS releases (
	id BIGSERIAL PRIMARY KEY,
	package_id BIGINT NOT NULL REFERENCES packages (id),
	version TEXT NOT NULL,
	stable_version TEXT,
	summary TEXT,
	license TEXT,
	description TEXT,
	keywords TEXT,
	home_page TEXT,
	download_url TEXT,
	docs_url TEXT,
	bugtrack_url TEXT,
	platform TEXT,
	author_id BIGINT REFERENCES users (id),
	maintainer_id BIGINT REFERENCES users (id),
	UNIQUE (package_id, version)
)`,
	`CREATE TABLE IF NOT EXISTS release_classifiers (
	release_id BIGINT NOT NULL REFERENCES releases (id),
	name TEXT NOT NULL REFERENCES classifiers (name),
	position BIGSERIAL,
	PRIMARY KEY (release_id, name)
)`,
	`CREATE TABLE IF NOT EXISTS release_files (
	id BIGSERIAL PRIMARY KEY,
	release_id BIGINT NOT NULL REFERENCES releases (id),
	filename TEXT NOT NULL,
	size BIGINT NOT NULL DEFAULT 0,
	md5_digest TEXT,
	package_type TEXT NOT NULL DEFAULT '',
	python_version TEXT,
	has_sig BOOLEAN NOT NULL DEFAULT FALSE,
	comment_text TEXT,
	url TEXT,
	path TEXT,
	UNIQUE (release_id, filename)
)`,
}

// Migrate 创建缺失的表。
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
