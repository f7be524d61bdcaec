package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Runs: metadata keyed by run id, full document in data
			CREATE TABLE runs (
				id VARCHAR(255) PRIMARY KEY,
				function_id VARCHAR(255) NOT NULL,
				event_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				version BIGINT NOT NULL,
				data JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_runs_function_id ON runs(function_id, created_at DESC);
			CREATE INDEX idx_runs_status ON runs(status);

			-- Step ledger keyed by (run_id, key)
			CREATE TABLE steps (
				run_id VARCHAR(255) NOT NULL,
				key VARCHAR(512) NOT NULL,
				status VARCHAR(50) NOT NULL,
				version BIGINT NOT NULL,
				data JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (run_id, key)
			);

			CREATE INDEX idx_steps_run_created ON steps(run_id, created_at);
		`,
		2: `
			-- Timers ordered by fire_at
			CREATE TABLE timers (
				id VARCHAR(1024) PRIMARY KEY,
				run_id VARCHAR(255) NOT NULL,
				kind VARCHAR(50) NOT NULL,
				step_key VARCHAR(512) NOT NULL DEFAULT '',
				fire_at TIMESTAMP WITH TIME ZONE NOT NULL,
				claimed_until TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_timers_fire_at ON timers(fire_at);
			CREATE INDEX idx_timers_run_id ON timers(run_id);
		`,
		3: `
			-- Admission gate state shared by every worker, one row per function
			CREATE TABLE admission_states (
				function_id VARCHAR(255) PRIMARY KEY,
				version BIGINT NOT NULL,
				data JSONB NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);
		`,
	}
}
