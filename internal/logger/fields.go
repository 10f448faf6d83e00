package logger

// Standard field names for consistent logging.
const (
	FieldService   = "service"
	FieldOperation = "operation"
	FieldSessionID = "session_id"
	FieldStudentID = "student_id"
	FieldRoomID    = "room_id"
	FieldActor     = "actor"
	FieldRequestID = "request_id"
)
