package pgwire

// Severity is the severity field of an ErrorResponse or NoticeResponse.
type Severity string

const (
	ErrorSeverityError   Severity = "ERROR"
	ErrorFatal           Severity = "FATAL"
	ErrorPanic           Severity = "PANIC"
	NoticeSeverityNotice Severity = "NOTICE"
	NoticeWarning        Severity = "WARNING"
)
