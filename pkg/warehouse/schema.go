package warehouse

import (
	"strings"
)

// schemaTemplate is shared by both dialects; the {{...}} tokens are replaced
// with dialect specific column types
const schemaTemplate = `
	CREATE TABLE IF NOT EXISTS date_dimension (
		date_key INTEGER PRIMARY KEY,
		date {{date}} NOT NULL UNIQUE,
		year INTEGER NOT NULL,
		quarter INTEGER NOT NULL,
		month INTEGER NOT NULL,
		month_name TEXT NOT NULL,
		day_of_month INTEGER NOT NULL,
		day_of_week INTEGER NOT NULL,
		day_name TEXT NOT NULL,
		day_of_year INTEGER NOT NULL,
		week_of_year INTEGER NOT NULL,
		is_weekend BOOLEAN NOT NULL
	);

	CREATE TABLE IF NOT EXISTS time_dimension (
		time_key INTEGER PRIMARY KEY,
		time {{time}} NOT NULL UNIQUE,
		hour INTEGER NOT NULL,
		minute INTEGER NOT NULL,
		second INTEGER NOT NULL,
		am_or_pm TEXT NOT NULL,
		hour_12 INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS node_dimension (
		id {{serial}},
		system_uuid TEXT NOT NULL,
		name TEXT NOT NULL,
		cpu BIGINT NOT NULL,
		memory BIGINT NOT NULL,
		capacity_type TEXT NOT NULL,
		instance_type TEXT NOT NULL,
		UNIQUE (system_uuid, name, cpu, memory, capacity_type, instance_type)
	);

	CREATE TABLE IF NOT EXISTS runner_dimension (
		runner_id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		platform TEXT NOT NULL,
		host TEXT NOT NULL,
		arch TEXT NOT NULL,
		tags {{json}} NOT NULL,
		in_cluster BOOLEAN NOT NULL
	);

	CREATE TABLE IF NOT EXISTS package_dimension (
		id {{serial}},
		name TEXT NOT NULL,
		version TEXT NOT NULL,
		compiler_name TEXT NOT NULL,
		compiler_version TEXT NOT NULL,
		arch TEXT NOT NULL,
		variants TEXT NOT NULL,
		UNIQUE (name, version, compiler_name, compiler_version, arch, variants)
	);

	CREATE TABLE IF NOT EXISTS job_data_dimension (
		job_id BIGINT PRIMARY KEY,
		commit_id BIGINT NOT NULL,
		job_url TEXT NOT NULL,
		name TEXT NOT NULL,
		ref TEXT NOT NULL,
		tags {{json}} NOT NULL,
		job_size TEXT NOT NULL,
		stack TEXT NOT NULL,
		is_retry BOOLEAN NOT NULL,
		is_manual_retry BOOLEAN NOT NULL,
		attempt_number INTEGER NOT NULL,
		final_attempt BOOLEAN NOT NULL,
		status TEXT NOT NULL,
		failure_reason TEXT NOT NULL,
		error_taxonomy TEXT,
		error_taxonomy_version TEXT NOT NULL,
		unnecessary BOOLEAN NOT NULL,
		pod_name TEXT NOT NULL,
		gitlab_runner_version TEXT NOT NULL,
		is_build BOOLEAN NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_job_data_lineage ON job_data_dimension(name, commit_id, job_id);

	CREATE TABLE IF NOT EXISTS job_fact (
		id {{serial}},
		start_date_id INTEGER NOT NULL REFERENCES date_dimension(date_key),
		start_time_id INTEGER NOT NULL REFERENCES time_dimension(time_key),
		end_date_id INTEGER NOT NULL REFERENCES date_dimension(date_key),
		end_time_id INTEGER NOT NULL REFERENCES time_dimension(time_key),
		node_id BIGINT NOT NULL REFERENCES node_dimension(id),
		runner_id BIGINT NOT NULL REFERENCES runner_dimension(runner_id),
		package_id BIGINT NOT NULL REFERENCES package_dimension(id),
		job_id BIGINT NOT NULL UNIQUE REFERENCES job_data_dimension(job_id),
		duration_seconds {{float}} NOT NULL,
		cost {{float}},
		pod_node_occupancy {{float}},
		pod_cpu_usage_seconds {{float}},
		pod_max_mem BIGINT,
		pod_avg_mem BIGINT,
		node_price_per_second {{float}},
		node_cpu BIGINT,
		node_memory BIGINT,
		build_jobs BIGINT,
		pod_cpu_request {{float}},
		pod_cpu_limit {{float}},
		pod_memory_request BIGINT,
		pod_memory_limit BIGINT,
		UNIQUE (start_date_id, start_time_id, end_date_id, end_time_id, node_id, runner_id, package_id, job_id)
	);

	CREATE INDEX IF NOT EXISTS idx_job_fact_start_date ON job_fact(start_date_id);
	CREATE INDEX IF NOT EXISTS idx_job_fact_package ON job_fact(package_id);

	CREATE TABLE IF NOT EXISTS timer_data_dimension (
		id {{serial}},
		cache BOOLEAN NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS timer_phase_dimension (
		id {{serial}},
		path TEXT NOT NULL UNIQUE,
		is_subphase BOOLEAN NOT NULL
	);

	CREATE TABLE IF NOT EXISTS timer_fact (
		job_id BIGINT NOT NULL REFERENCES job_data_dimension(job_id),
		date_id INTEGER NOT NULL REFERENCES date_dimension(date_key),
		time_id INTEGER NOT NULL REFERENCES time_dimension(time_key),
		timer_data_id BIGINT NOT NULL REFERENCES timer_data_dimension(id),
		package_id BIGINT NOT NULL REFERENCES package_dimension(id),
		spec_hash TEXT NOT NULL,
		total_duration {{float}} NOT NULL,
		PRIMARY KEY (job_id, timer_data_id, package_id, spec_hash)
	);

	CREATE TABLE IF NOT EXISTS timer_phase_fact (
		job_id BIGINT NOT NULL REFERENCES job_data_dimension(job_id),
		date_id INTEGER NOT NULL REFERENCES date_dimension(date_key),
		time_id INTEGER NOT NULL REFERENCES time_dimension(time_key),
		timer_data_id BIGINT NOT NULL REFERENCES timer_data_dimension(id),
		package_id BIGINT NOT NULL REFERENCES package_dimension(id),
		spec_hash TEXT NOT NULL,
		phase_id BIGINT NOT NULL REFERENCES timer_phase_dimension(id),
		duration {{float}} NOT NULL,
		ratio_of_total {{float}},
		PRIMARY KEY (job_id, timer_data_id, package_id, spec_hash, phase_id)
	);

	CREATE INDEX IF NOT EXISTS idx_timer_fact_package ON timer_fact(package_id);
	CREATE INDEX IF NOT EXISTS idx_timer_phase_fact_phase ON timer_phase_fact(phase_id);
	`

// sentinelRows are the fixed "unknown" dimension rows. The pipeline only
// ever looks them up.
const sentinelRows = `
	INSERT INTO node_dimension (system_uuid, name, cpu, memory, capacity_type, instance_type)
	VALUES ('', '', 0, 0, '', '') ON CONFLICT DO NOTHING;

	INSERT INTO runner_dimension (runner_id, name, platform, host, arch, tags, in_cluster)
	VALUES (0, '', '', '', '', '[]', false) ON CONFLICT DO NOTHING;

	INSERT INTO package_dimension (name, version, compiler_name, compiler_version, arch, variants)
	VALUES ('', '', '', '', '', '') ON CONFLICT DO NOTHING;

	INSERT INTO timer_data_dimension (cache) VALUES (true), (false) ON CONFLICT DO NOTHING;
	`

func schemaFor(d dialect) string {
	var r *strings.Replacer
	switch d {
	case dialectPostgres:
		r = strings.NewReplacer(
			"{{serial}}", "BIGSERIAL PRIMARY KEY",
			"{{json}}", "JSONB",
			"{{float}}", "DOUBLE PRECISION",
			"{{date}}", "DATE",
			"{{time}}", "TIME",
		)
	default:
		r = strings.NewReplacer(
			"{{serial}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
			"{{json}}", "TEXT",
			"{{float}}", "REAL",
			"{{date}}", "TEXT",
			"{{time}}", "TEXT",
		)
	}
	return r.Replace(schemaTemplate)
}
