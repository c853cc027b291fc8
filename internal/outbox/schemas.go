package outbox

const attendanceChangedSchema = `{
  "type": "object",
  "title": "AttendanceChanged",
  "properties": {
    "class_id": {"type": "string"},
    "attendee_id": {"type": "string"},
    "present": {"type": "boolean"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["class_id", "attendee_id", "present", "occurred_at"],
  "additionalProperties": false
}`

const sessionStartedSchema = `{
  "type": "object",
  "title": "SessionStarted",
  "properties": {
    "class_id": {"type": "string"},
    "workout_id": {"type": "string"},
    "routine_id": {"type": "string"},
    "started_at": {"type": "string", "format": "date-time"}
  },
  "required": ["class_id", "workout_id", "routine_id", "started_at"],
  "additionalProperties": false
}`

const workoutTimestampRecordedSchema = `{
  "type": "object",
  "title": "WorkoutTimestampRecorded",
  "properties": {
    "class_id": {"type": "string"},
    "workout_id": {"type": "string"},
    "interval_index": {"type": "integer", "minimum": -1},
    "offset_ms": {"type": "integer", "minimum": 0},
    "recorded_at": {"type": "string", "format": "date-time"}
  },
  "required": ["class_id", "workout_id", "interval_index", "offset_ms", "recorded_at"],
  "additionalProperties": false
}`
