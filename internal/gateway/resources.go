package gateway

// Resource holds the fields every gateway resource carries.
type Resource struct {
	ID        string `json:"ID,omitempty"`
	MessageID int    `json:"MessageID,omitempty"`
	Message   string `json:"Message,omitempty"`
}

// Session groups uploads into a target folder.
type Session struct {
	Resource
	Name           string `json:"Name"`
	ParentFolderID string `json:"ParentFolderID"`
}

// Upload is bound to a session. UploadTarget is sent as the display name on creation and
// comes back as the opaque descriptor of where the content goes.
type Upload struct {
	Resource
	SessionID    string `json:"SessionID"`
	UploadTarget string `json:"UploadTarget"`
}

// UploadState values for Processing.State.
const (
	UploadStateUploading  = 0
	UploadStateProcessing = 1
)

// Processing moves an upload into server-side processing.
type Processing struct {
	Resource
	SessionID    string `json:"SessionID"`
	UploadTarget string `json:"UploadTarget"`
	State        int    `json:"State"`
}

// Part is one contiguous byte range of a file in a chunked transfer. Numbers start at 1.
type Part struct {
	Number int32
	Offset int64
	Size   int64
}

// PartAck is the gateway's acknowledgment of one uploaded part.
type PartAck struct {
	Number int32
	ETag   string
}

// Transfer is an open chunked transfer.
type Transfer struct {
	ID        string
	Target    Target
	Key       string
	PartCount int
	backend   transferBackend
}
