package storage

const schemaSQL = `
-- One row per submitted URL. last_success_step only ever moves forward:
-- none -> downloaded -> llm_processed -> vectorized -> completed
CREATE TABLE IF NOT EXISTS pages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    url TEXT UNIQUE NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    memo TEXT NOT NULL DEFAULT '',

    -- Filled in by the llm stage
    summary TEXT NOT NULL DEFAULT '',
    keywords TEXT NOT NULL DEFAULT '[]',

    -- Reference to the first indexed chunk, set by the vectorize stage
    index_ref TEXT NOT NULL DEFAULT '',

    last_success_step TEXT NOT NULL DEFAULT 'none'
        CHECK (last_success_step IN ('none', 'downloaded', 'llm_processed', 'vectorized', 'completed')),

    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pages_created ON pages(created_at);
CREATE INDEX IF NOT EXISTS idx_pages_step ON pages(last_success_step);

-- One row per processing attempt (initial run, retry or reprocess)
CREATE TABLE IF NOT EXISTS process_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    page_id INTEGER REFERENCES pages(id) ON DELETE CASCADE,
    url TEXT NOT NULL,
    status TEXT NOT NULL,
    error_message TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_process_logs_page ON process_logs(page_id, id);
CREATE INDEX IF NOT EXISTS idx_process_logs_status ON process_logs(status, created_at);

-- Latest attempt per page, for ad hoc inspection
CREATE VIEW IF NOT EXISTS latest_attempts AS
SELECT l.page_id, p.url, l.status, l.error_message, l.created_at, p.last_success_step
FROM process_logs l
JOIN pages p ON p.id = l.page_id
WHERE l.id = (SELECT MAX(id) FROM process_logs WHERE page_id = l.page_id);
`
