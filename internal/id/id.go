// Package id generates prefixed identifiers for fieldsync records.
//
// IDs are UUIDv4 with a short type prefix so that a bare identifier in a
// log line or API response is self-describing:
//
//	sch_4f1c...  schedule
//	exe_9a02...  execution record
//	bat_77de...  batch
//	job_c3b1...  automation job
package id

import (
	"strings"

	"github.com/google/uuid"
)

func generate(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewScheduleID returns a new schedule identifier.
func NewScheduleID() string { return generate("sch") }

// NewExecutionID returns a new execution record identifier.
func NewExecutionID() string { return generate("exe") }

// NewBatchID returns a new batch identifier.
func NewBatchID() string { return generate("bat") }

// NewJobID returns a new automation job identifier.
func NewJobID() string { return generate("job") }
