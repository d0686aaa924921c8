// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

// Package pilots manages pilot agent records and their long-lived
// credentials. Pilots authenticate with a shared secret generated at
// registration; the server keeps only a keyed hash of it.
package pilots

import (
	"time"

	"github.com/DIRACGrid/diracx-sub002/pkg/search"
)

// Status is the pilot lifecycle state.
type Status string

// Pilot states.
const (
	StatusSubmitted Status = "Submitted"
	StatusWaiting   Status = "Waiting"
	StatusRunning   Status = "Running"
	StatusDone      Status = "Done"
	StatusFailed    Status = "Failed"
	StatusAborted   Status = "Aborted"
	StatusDeleted   Status = "Deleted"
)

// Pilot is one registered pilot agent. The hashed secret never leaves
// the store.
type Pilot struct {
	PilotID           int64
	PilotJobReference string
	VO                string
	GridType          string
	Status            Status
	PilotStamp        string
	SubmissionTime    time.Time
	LastUpdateTime    time.Time
}

// table describes the searchable surface of the pilot store. The hashed
// secret is deliberately not addressable.
var table = search.Table{
	Name: "pilots",
	Fields: map[string]search.Field{
		"PilotID":           {Column: "pilot_id"},
		"PilotJobReference": {Column: "pilot_job_reference"},
		"VO":                {Column: "vo"},
		"GridType":          {Column: "grid_type"},
		"Status":            {Column: "status"},
		"PilotStamp":        {Column: "pilot_stamp"},
		"SubmissionTime":    {Column: "submission_time"},
		"LastUpdateTime":    {Column: "last_update_time"},
	},
}

// VOParameter is the parameter carrying the owning VO, used for the
// implicit tenant filter.
const VOParameter = "VO"
