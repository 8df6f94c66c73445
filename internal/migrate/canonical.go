package migrate

// Canonical returns the ordered schema history. It is the only place tables
// are created; every other path (tests, daemon, CLI) goes through Run.
func Canonical() []Migration {
	return []Migration{
		{
			Version:     0,
			Description: "event log",
			Up: `
CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY,
  type TEXT NOT NULL,
  project_key TEXT NOT NULL,
  timestamp INTEGER NOT NULL,
  sequence INTEGER NOT NULL UNIQUE,
  data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_project_seq ON events(project_key, sequence);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, sequence);`,
			Down: `DROP TABLE IF EXISTS events;`,
		},
		{
			Version:     1,
			Description: "agents projection",
			Up: `
CREATE TABLE IF NOT EXISTS agents (
  project_key TEXT NOT NULL,
  name TEXT NOT NULL,
  program TEXT NOT NULL DEFAULT '',
  model TEXT NOT NULL DEFAULT '',
  task_description TEXT NOT NULL DEFAULT '',
  registered_at INTEGER NOT NULL DEFAULT 0,
  last_active_at INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (project_key, name)
);`,
			Down: `DROP TABLE IF EXISTS agents;`,
		},
		{
			Version:     2,
			Description: "messages and recipients projection",
			Up: `
CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY,
  project_key TEXT NOT NULL,
  from_agent TEXT NOT NULL,
  subject TEXT NOT NULL,
  body TEXT NOT NULL DEFAULT '',
  thread_id TEXT,
  importance TEXT NOT NULL DEFAULT 'normal',
  ack_required INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(project_key, thread_id, created_at);
CREATE TABLE IF NOT EXISTS message_recipients (
  message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
  agent_name TEXT NOT NULL,
  read_at INTEGER,
  acked_at INTEGER,
  PRIMARY KEY (message_id, agent_name)
);
CREATE INDEX IF NOT EXISTS idx_recipients_agent ON message_recipients(agent_name, message_id);`,
			Down: `
DROP TABLE IF EXISTS message_recipients;
DROP TABLE IF EXISTS messages;`,
		},
		{
			Version:     3,
			Description: "reservations projection",
			Up: `
CREATE TABLE IF NOT EXISTS reservations (
  id INTEGER PRIMARY KEY,
  project_key TEXT NOT NULL,
  agent_name TEXT NOT NULL,
  path_pattern TEXT NOT NULL,
  exclusive INTEGER NOT NULL DEFAULT 1,
  reason TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  expires_at INTEGER NOT NULL,
  released_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_reservations_active ON reservations(project_key, released_at, expires_at);
CREATE INDEX IF NOT EXISTS idx_reservations_agent ON reservations(project_key, agent_name);`,
			Down: `DROP TABLE IF EXISTS reservations;`,
		},
		{
			Version:     4,
			Description: "time-range index on events",
			Up:          `CREATE INDEX IF NOT EXISTS idx_events_project_time ON events(project_key, timestamp);`,
			Down:        `DROP INDEX IF EXISTS idx_events_project_time;`,
		},
	}
}

// column is one self-healable column of the agents table.
type column struct {
	Name       string
	Definition string
}

// canonicalAgentColumns lists the agents columns self-heal can add back.
// Key columns are absent: a table missing those cannot be repaired in place.
var canonicalAgentColumns = []column{
	{"program", "TEXT NOT NULL DEFAULT ''"},
	{"model", "TEXT NOT NULL DEFAULT ''"},
	{"task_description", "TEXT NOT NULL DEFAULT ''"},
	{"registered_at", "INTEGER NOT NULL DEFAULT 0"},
	{"last_active_at", "INTEGER NOT NULL DEFAULT 0"},
}

var agentKeyColumns = []string{"project_key", "name"}

// Tables lists projection tables in delete order (children first).
var Tables = []string{"message_recipients", "messages", "reservations", "agents"}
