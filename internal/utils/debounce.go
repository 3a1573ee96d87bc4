package utils

import "time"

// StreamMaxLen is the approximate maximum length of the telemetry stream
const StreamMaxLen int64 = 10000

// TelemetryStream is the Redis stream device state reports are appended to
const TelemetryStream = "stream:telemetry"

// TelemetryLastIDKey stores the id of the last stream entry that was applied
const TelemetryLastIDKey = "telemetry:last_id"

// DebounceWindow bounds how long the stream reader blocks waiting for entries
const DebounceWindow = 2000 * time.Millisecond
