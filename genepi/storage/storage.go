package storage

import "io"

type UsageStats struct {
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
}

// Storage is where tree JSON blobs and uploaded sequence files live. Keys
// are forward slash separated paths relative to the storage root.
type Storage interface {
	Read(path string) (io.ReadCloser, error)

	Write(path string, data io.Reader) error

	Delete(path string) error

	Exists(path string) (bool, error)

	List(path string) ([]string, error)

	Size(path string) (int64, error)

	Usage() (UsageStats, error)

	Location() string
}
