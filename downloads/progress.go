package downloads

// FetchStatus represents the current state of an archive fetch.
type FetchStatus string

const (
	StatusPending     FetchStatus = "pending"
	StatusDownloading FetchStatus = "downloading"
	StatusExtracting  FetchStatus = "extracting"
	StatusComplete    FetchStatus = "complete"
	StatusError       FetchStatus = "error"
	StatusCancelled   FetchStatus = "cancelled"
)

// Progress reports the state of one archive fetch or extraction.
type Progress struct {
	Status          FetchStatus `json:"status"`
	Message         string      `json:"message"`
	BytesDownloaded int64       `json:"bytes_downloaded"`
	TotalBytes      int64       `json:"total_bytes"`
	Percent         float64     `json:"percent"`
	Error           string      `json:"error,omitempty"`
}

// ProgressCallback is called to report fetch or extraction progress.
type ProgressCallback func(Progress)

// ByteProgressCallback is called to report raw byte counts during a
// download.
type ByteProgressCallback func(downloaded, total int64)
