package store

// raw_events holds every accepted submission verbatim. Rows are never
// updated or deleted. created_at is unix milliseconds.
const createRawEventsSQL = `
CREATE TABLE IF NOT EXISTS raw_events (
    id TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    app_version TEXT NOT NULL,
    event_type TEXT NOT NULL,
    status TEXT,
    failure_reason TEXT,
    hardware_model TEXT,
    encoder TEXT,
    duration_ms INTEGER,
    input_size_bytes INTEGER,
    output_size_bytes INTEGER,
    speed_factor REAL,
    video_codec TEXT,
    resolution TEXT
)`

// efficiency_stats is rebuilt wholesale by every recompute.
const createEfficiencyStatsSQL = `
CREATE TABLE IF NOT EXISTS efficiency_stats (
    hardware_model TEXT NOT NULL,
    encoder TEXT NOT NULL,
    video_codec TEXT NOT NULL,
    resolution TEXT NOT NULL,
    sample_count INTEGER NOT NULL,
    avg_speed REAL,
    avg_size_reduction_pct REAL,
    success_rate REAL,
    PRIMARY KEY (hardware_model, encoder, video_codec, resolution)
)`

// stability_stats is rebuilt wholesale by every recompute.
const createStabilityStatsSQL = `
CREATE TABLE IF NOT EXISTS stability_stats (
    encoder TEXT NOT NULL,
    error_type TEXT NOT NULL,
    count INTEGER NOT NULL,
    PRIMARY KEY (encoder, error_type)
)`

var createIndexesSQL = []string{
	// Aggregation filters
	`CREATE INDEX IF NOT EXISTS idx_raw_events_type ON raw_events(event_type)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_events_status ON raw_events(status)`,

	// Coverage distinct count
	`CREATE INDEX IF NOT EXISTS idx_raw_events_hardware ON raw_events(hardware_model)`,

	// Read ordering
	`CREATE INDEX IF NOT EXISTS idx_efficiency_speed ON efficiency_stats(avg_speed DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_stability_count ON stability_stats(count DESC)`,
}

// AllSchemaSQL returns every statement needed to initialize the database,
// in execution order. All statements are idempotent.
func AllSchemaSQL() []string {
	stmts := []string{
		createRawEventsSQL,
		createEfficiencyStatsSQL,
		createStabilityStatsSQL,
	}
	return append(stmts, createIndexesSQL...)
}
