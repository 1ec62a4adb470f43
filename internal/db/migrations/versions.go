package migrations

// steps lists every schema version in order. Append only.
func steps() []Step {
	return []Step{
		coreTables(),
		shares(),
		settingsAndActivity(),
		purgeClaims(),
	}
}

// coreTables creates users, quotas, folders and files
func coreTables() Step {
	return Step{
		Version:    1,
		Name:       "Create core tables (users, quotas, folders, files)",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				username TEXT UNIQUE NOT NULL,
				enabled INTEGER NOT NULL DEFAULT 1,
				is_admin INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,

			`CREATE TABLE IF NOT EXISTS quotas (
				owner_id TEXT PRIMARY KEY,
				max_bytes INTEGER NOT NULL CHECK (max_bytes >= 0),
				used_bytes INTEGER NOT NULL DEFAULT 0 CHECK (used_bytes >= 0),
				updated_at INTEGER NOT NULL,
				FOREIGN KEY (owner_id) REFERENCES users(id) ON DELETE CASCADE
			)`,

			`CREATE TABLE IF NOT EXISTS folders (
				id TEXT PRIMARY KEY,
				owner_id TEXT NOT NULL,
				parent_id TEXT,
				name TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				deleted_at INTEGER,
				FOREIGN KEY (owner_id) REFERENCES users(id) ON DELETE CASCADE,
				FOREIGN KEY (parent_id) REFERENCES folders(id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_folders_owner_parent ON folders(owner_id, parent_id)`,
			`CREATE INDEX IF NOT EXISTS idx_folders_owner_deleted ON folders(owner_id, deleted_at)`,

			`CREATE TABLE IF NOT EXISTS files (
				id TEXT PRIMARY KEY,
				owner_id TEXT NOT NULL,
				folder_id TEXT,
				name TEXT NOT NULL,
				original_name TEXT NOT NULL,
				mime_type TEXT NOT NULL,
				size_bytes INTEGER NOT NULL CHECK (size_bytes >= 0),
				storage_key TEXT UNIQUE NOT NULL,
				checksum TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				deleted_at INTEGER,
				FOREIGN KEY (owner_id) REFERENCES users(id) ON DELETE CASCADE,
				FOREIGN KEY (folder_id) REFERENCES folders(id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_files_owner_folder ON files(owner_id, folder_id)`,
			`CREATE INDEX IF NOT EXISTS idx_files_owner_deleted ON files(owner_id, deleted_at)`,
			`CREATE INDEX IF NOT EXISTS idx_files_deleted ON files(deleted_at)`,
		},
	}
}

// shares creates the shares table. Shares disappear with their target.
func shares() Step {
	return Step{
		Version:    2,
		Name:       "Create shares table",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS shares (
				id TEXT PRIMARY KEY,
				slug TEXT UNIQUE NOT NULL,
				owner_id TEXT NOT NULL,
				file_id TEXT,
				folder_id TEXT,
				visibility TEXT NOT NULL DEFAULT 'PUBLIC',
				password_hash TEXT,
				expires_at INTEGER,
				max_downloads INTEGER,
				download_count INTEGER NOT NULL DEFAULT 0,
				view_count INTEGER NOT NULL DEFAULT 0,
				enabled INTEGER NOT NULL DEFAULT 1,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				CHECK ((file_id IS NULL) <> (folder_id IS NULL)),
				FOREIGN KEY (owner_id) REFERENCES users(id) ON DELETE CASCADE,
				FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE,
				FOREIGN KEY (folder_id) REFERENCES folders(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_shares_owner ON shares(owner_id)`,
			`CREATE INDEX IF NOT EXISTS idx_shares_file ON shares(file_id)`,
			`CREATE INDEX IF NOT EXISTS idx_shares_folder ON shares(folder_id)`,
		},
	}
}

// settingsAndActivity creates system settings and the activity log
func settingsAndActivity() Step {
	return Step{
		Version:    3,
		Name:       "Create system_settings and activity_log tables",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS system_settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				type TEXT NOT NULL,
				category TEXT NOT NULL,
				description TEXT,
				editable INTEGER DEFAULT 1,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_settings_category ON system_settings(category)`,

			`CREATE TABLE IF NOT EXISTS activity_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id TEXT NOT NULL,
				action TEXT NOT NULL,
				resource_type TEXT,
				resource_id TEXT,
				resource_name TEXT,
				details TEXT,
				ip_address TEXT,
				user_agent TEXT,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_activity_user ON activity_log(user_id, created_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_activity_created ON activity_log(created_at)`,
		},
	}
}

// purgeClaims marks files whose purge has started. A claimed file can no
// longer be restored.
func purgeClaims() Step {
	return Step{
		Version:    4,
		Name:       "Add files.purging claim flag",
		Statements: []string{
			`ALTER TABLE files ADD COLUMN purging INTEGER NOT NULL DEFAULT 0`,
		},
	}
}
