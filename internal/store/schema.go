package store

const schema = `
CREATE TABLE IF NOT EXISTS packages (
    category TEXT NOT NULL,
    name TEXT NOT NULL,
    slot TEXT NOT NULL DEFAULT '0',
    version TEXT NOT NULL,
    installed_at TIMESTAMP NOT NULL,
    use_flags TEXT,
    size_bytes INTEGER,
    explicit BOOLEAN NOT NULL DEFAULT 0,
    PRIMARY KEY (category, name, slot)
);

CREATE TABLE IF NOT EXISTS files (
    path TEXT PRIMARY KEY,
    category TEXT NOT NULL,
    name TEXT NOT NULL,
    slot TEXT NOT NULL,
    file_type INTEGER NOT NULL,
    mode INTEGER,
    size_bytes INTEGER,
    hash TEXT,
    mtime TIMESTAMP,
    FOREIGN KEY (category, name, slot) REFERENCES packages(category, name, slot) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS dependencies (
    category TEXT NOT NULL,
    name TEXT NOT NULL,
    dep_category TEXT NOT NULL,
    dep_name TEXT NOT NULL,
    build_time BOOLEAN NOT NULL DEFAULT 0,
    PRIMARY KEY (category, name, dep_category, dep_name)
);

CREATE TABLE IF NOT EXISTS world (
    category TEXT NOT NULL,
    name TEXT NOT NULL,
    PRIMARY KEY (category, name)
);

CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    state TEXT NOT NULL,
    reason TEXT,
    operation_count INTEGER
);

CREATE INDEX IF NOT EXISTS idx_files_owner ON files(category, name, slot);
CREATE INDEX IF NOT EXISTS idx_deps_package ON dependencies(category, name);
CREATE INDEX IF NOT EXISTS idx_deps_depends ON dependencies(dep_category, dep_name);
`
