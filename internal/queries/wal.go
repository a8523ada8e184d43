// Package queries holds the fixed, read-only SQL the collector sends to a
// monitored server. Every statement is parameterless and only reads system
// catalogs, statistics views or admin functions.
//
// LSNs, intervals and pretty-printed sizes are cast to text so the collector
// parses PostgreSQL's own textual formats.
package queries

// Query names, used to tag field-level errors.
const (
	ServerStatusName     = "server_status"
	CurrentPositionName  = "current_position"
	WalDirectoryName     = "wal_directory"
	WalSettingsName      = "wal_settings"
	ArchiverName         = "archiver"
	ReplicationSlotsName = "replication_slots"
	ReplicationName      = "replication"
	LongTransactionsName = "long_transactions"
)

const (
	// ServerStatusSQL reports whether the server is a standby and when it started.
	ServerStatusSQL = `
		SELECT
			pg_is_in_recovery()::text AS in_recovery,
			pg_postmaster_start_time() AS started_at,
			current_setting('server_version') AS version`

	// CurrentPositionSQL returns the insert position on a primary, or the
	// replay position on a standby, plus the current timeline.
	// Requires PostgreSQL 10+.
	CurrentPositionSQL = `
		SELECT
			(CASE WHEN pg_is_in_recovery()
				THEN pg_last_wal_replay_lsn()
				ELSE pg_current_wal_lsn()
			END)::text AS lsn,
			(SELECT timeline_id FROM pg_control_checkpoint()) AS timeline`

	// WalDirectorySQL sums the segment files in pg_wal.
	// Requires superuser or the pg_monitor role.
	WalDirectorySQL = `
		SELECT
			count(*) AS files,
			coalesce(sum(size), 0)::bigint AS bytes
		FROM pg_ls_waldir()`

	// WalSettingsSQL returns the WAL-related configuration parameters, both raw
	// and as SHOW would print them.
	WalSettingsSQL = `
		SELECT
			name,
			setting,
			coalesce(unit, '') AS unit,
			current_setting(name) AS display
		FROM pg_settings
		WHERE name IN (
			'wal_level', 'archive_mode', 'archive_command', 'archive_timeout',
			'max_wal_size', 'min_wal_size', 'wal_keep_size', 'wal_segment_size',
			'max_wal_senders', 'max_replication_slots', 'max_slot_wal_keep_size',
			'checkpoint_timeout', 'synchronous_commit', 'wal_compression'
		)
		ORDER BY name`

	// ArchiverSQL reads the cumulative archiver counters.
	ArchiverSQL = `
		SELECT
			archived_count,
			coalesce(last_archived_wal, '') AS last_archived_wal,
			last_archived_time,
			failed_count,
			coalesce(last_failed_wal, '') AS last_failed_wal,
			last_failed_time,
			stats_reset,
			current_setting('archive_mode') AS archive_mode
		FROM pg_stat_archiver`

	// ReplicationSlotsSQL lists slots with the WAL each one holds back.
	// wal_status is NULL for slots that never reserved WAL. Requires PostgreSQL 13+.
	ReplicationSlotsSQL = `
		SELECT
			slot_name::text AS slot_name,
			slot_type,
			coalesce(plugin::text, '') AS plugin,
			coalesce(database::text, '') AS database,
			active::text AS active,
			wal_status,
			restart_lsn::text AS restart_lsn,
			d.retained_bytes,
			pg_size_pretty(d.retained_bytes) AS retained
		FROM pg_replication_slots,
			LATERAL (SELECT pg_wal_lsn_diff(
				CASE WHEN pg_is_in_recovery()
					THEN pg_last_wal_replay_lsn()
					ELSE pg_current_wal_lsn()
				END, restart_lsn)::bigint AS retained_bytes) d
		ORDER BY slot_name`

	// ReplicationSQL lists connected standbys and their WAL positions.
	// Only returns rows on a server with attached walsenders.
	ReplicationSQL = `
		SELECT
			pid,
			usename::text AS usename,
			application_name,
			coalesce(client_addr::text, '') AS client_addr,
			state,
			sync_state,
			sent_lsn::text AS sent_lsn,
			write_lsn::text AS write_lsn,
			flush_lsn::text AS flush_lsn,
			replay_lsn::text AS replay_lsn,
			replay_lag::text AS replay_lag
		FROM pg_stat_replication
		ORDER BY application_name, pid`

	// LongTransactionsSQL lists every open client transaction, oldest first.
	// Duration is clamped at zero since xact_start may be read after now().
	LongTransactionsSQL = `
		SELECT
			pid,
			coalesce(datname::text, '') AS datname,
			coalesce(usename::text, '') AS usename,
			coalesce(application_name, '') AS application_name,
			coalesce(client_addr::text, '') AS client_addr,
			coalesce(state, 'disabled') AS state,
			xact_start,
			greatest(clock_timestamp() - xact_start, interval '0')::text AS duration,
			left(coalesce(query, ''), 1024) AS query
		FROM pg_stat_activity
		WHERE xact_start IS NOT NULL
			AND backend_type = 'client backend'
			AND pid <> pg_backend_pid()
		ORDER BY xact_start`

	// PingSQL is used by the connection test.
	PingSQL = `SELECT 1`
)
