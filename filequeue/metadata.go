// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package filequeue

import (
	"encoding/json"
	"time"
)

// FileState is the lifecycle state of a tracked file.
type FileState int32

const (
	// FilePending files are enqueued but not claimed yet.
	FilePending FileState = iota
	// FileProcessing files are claimed by a job that is running right now.
	FileProcessing
	// FileProcessed files completed successfully.
	FileProcessed
	// FileFailed files failed; terminally once retries are exhausted.
	FileFailed
)

func (s FileState) String() string {
	switch s {
	case FilePending:
		return "pending"
	case FileProcessing:
		return "processing"
	case FileProcessed:
		return "processed"
	case FileFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FileStatus is the in-memory view of one file's progress, kept for
// introspection beside the durable store records.
type FileStatus struct {
	Path       string
	State      FileState
	Retries    uint64
	LastError  string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Record is the JSON document stored in keeper nodes. Node names are hashes,
// so the record carries the file path to stay attributable; the timestamp
// supports expiry of processed markers and the retry counter drives the
// retriable failure path.
type Record struct {
	FilePath      string `json:"file_path"`
	LastTimestamp int64  `json:"last_processed_timestamp"`
	LastException string `json:"last_exception"`
	Retries       uint64 `json:"retries"`
	ProcessingID  string `json:"processing_id"`
}

func newRecord(path, processingID string) Record {
	return Record{
		FilePath:      path,
		LastTimestamp: time.Now().Unix(),
		ProcessingID:  processingID,
	}
}

func (r Record) bytes() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		// Record has no unmarshalable fields; this cannot happen.
		panic(err)
	}
	return data
}

func recordFromBytes(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, err
	}
	return r, nil
}
