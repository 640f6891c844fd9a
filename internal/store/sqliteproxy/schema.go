package sqliteproxy

const schema = `
CREATE TABLE IF NOT EXISTS applications (
	name TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	executable TEXT NOT NULL,
	default_preprocess TEXT NOT NULL DEFAULT '',
	default_postprocess TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	workflow TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	allowed_work_sites TEXT NOT NULL DEFAULT '',
	work_site TEXT NOT NULL DEFAULT '',
	parents_json TEXT NOT NULL DEFAULT '[]',
	wait_for_parents INTEGER NOT NULL DEFAULT 1,
	num_nodes INTEGER NOT NULL DEFAULT 1,
	ranks_per_node INTEGER NOT NULL DEFAULT 1,
	threads_per_rank INTEGER NOT NULL DEFAULT 1,
	threads_per_core INTEGER NOT NULL DEFAULT 1,
	serial_node_packing_count INTEGER NOT NULL DEFAULT 1,
	wall_time_minutes REAL NOT NULL DEFAULT 0,
	application TEXT NOT NULL DEFAULT '',
	application_args TEXT NOT NULL DEFAULT '',
	direct_command TEXT NOT NULL DEFAULT '',
	stage_in_url TEXT NOT NULL DEFAULT '',
	input_files TEXT NOT NULL DEFAULT '',
	stage_out_url TEXT NOT NULL DEFAULT '',
	stage_out_files TEXT NOT NULL DEFAULT '',
	environ_vars TEXT NOT NULL DEFAULT '',
	preprocess TEXT NOT NULL DEFAULT '',
	postprocess TEXT NOT NULL DEFAULT '',
	post_error_handler INTEGER NOT NULL DEFAULT 0,
	post_timeout_handler INTEGER NOT NULL DEFAULT 0,
	auto_timeout_retry INTEGER NOT NULL DEFAULT 0,
	scheduler_id TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'CREATED',
	state_history TEXT NOT NULL DEFAULT '',
	runtime_seconds REAL,
	version INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS tasks_state_idx ON tasks (state);
`
