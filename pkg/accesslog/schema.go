package accesslog

const schema = `
CREATE TABLE IF NOT EXISTS access_log (
    id TEXT PRIMARY KEY,
    time_ns INTEGER NOT NULL,
    conn_id TEXT NOT NULL,
    client_ip TEXT,
    client_port TEXT,
    alpn TEXT,
    method TEXT,
    path TEXT,
    authority TEXT,
    proto_major INTEGER NOT NULL,
    proto_minor INTEGER NOT NULL,
    status INTEGER NOT NULL,
    body_bytes INTEGER NOT NULL,
    duration_us INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_access_log_time ON access_log(time_ns);
CREATE INDEX IF NOT EXISTS idx_access_log_conn_id ON access_log(conn_id);
CREATE INDEX IF NOT EXISTS idx_access_log_status ON access_log(status);
`

const insertRecord = `
INSERT INTO access_log (
    id, time_ns, conn_id, client_ip, client_port, alpn,
    method, path, authority, proto_major, proto_minor,
    status, body_bytes, duration_us
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const selectRecent = `
SELECT id, time_ns, conn_id, client_ip, client_port, alpn,
    method, path, authority, proto_major, proto_minor,
    status, body_bytes, duration_us
FROM access_log
ORDER BY time_ns DESC
LIMIT ?
`

const countRecords = `SELECT COUNT(*) FROM access_log`

const deleteBefore = `DELETE FROM access_log WHERE time_ns < ?`
