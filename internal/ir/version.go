package ir

// Version constants for persisted records and the engine.
const (
	// RecordVersion is the schema version of persisted event, snapshot and
	// cache records.
	RecordVersion = "1"

	// EngineVersion is the compose engine version.
	EngineVersion = "0.1.0"
)
