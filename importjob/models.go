package importjob

import "time"

// Status is the lifecycle state of an import batch.
type Status string

const (
	StatusUploaded       Status = "uploaded"
	StatusProcessing     Status = "processing"
	StatusReadyForReview Status = "ready_for_review"
	StatusApproved       Status = "approved"
	StatusRejected       Status = "rejected"
	StatusFailed         Status = "failed"
)

// Import mirrors the imports table.
type Import struct {
	ID                string
	BankID            string
	UploadedBy        string
	FileName          string
	FilePath          string
	FileChecksum      string
	Status            Status
	Counts            Counts
	ApprovedAt        *time.Time
	ErrorMessage      *string
	AnalysisStartedAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Counts are the aggregate row counters kept on the import. Valid, Warning and
// Error partition Total by derived row status.
type Counts struct {
	Total   int
	Valid   int
	Warning int
	Error   int
}

// FileMeta describes the uploaded spreadsheet.
type FileMeta struct {
	Name        string
	ContentType string
}

// CreateParams enumerates the inputs to register a new upload.
type CreateParams struct {
	BankID     string
	UploadedBy string
	File       FileMeta
	Body       []byte
}

// TransitionParams describes one guarded status change.
type TransitionParams struct {
	Next              Status
	ActorID           string
	ErrorMessage      *string
	ClearError        bool
	ApprovedAt        *time.Time
	AnalysisStartedAt *time.Time
	Payload           map[string]any
}

const (
	EventUploaded      = "IMPORT_UPLOADED"
	EventStatusChanged = "IMPORT_STATUS_CHANGED"

	// OutboxTopicStatusChanged is published for every status transition.
	OutboxTopicStatusChanged = "import.status_changed"
	// OutboxTopicFinalized is published once an import's approved rows were materialized.
	OutboxTopicFinalized = "import.finalized"
)
