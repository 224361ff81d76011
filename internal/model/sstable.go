package model

import "time"

// SegmentMetadata describes the snapshot files of one durable store segment
type SegmentMetadata struct {
	SegmentID int64
	Entries   int
	Size      int64
	KeyRange  KeyRange
	CreatedAt time.Time
	FilePath  string
	IndexPath string
	BloomPath string
}

// KeyRange defines the range of binary keys held by a segment
type KeyRange struct {
	StartKey []byte
	EndKey   []byte
}
