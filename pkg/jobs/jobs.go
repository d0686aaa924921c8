// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

// Package jobs stores the administrative job records and exposes them
// through the generic search engine.
package jobs

import (
	"time"

	"github.com/DIRACGrid/diracx-sub002/pkg/search"
)

// Status is the primary job state.
type Status string

// Job states, in rough lifecycle order.
const (
	StatusReceived Status = "RECEIVED"
	StatusChecking Status = "CHECKING"
	StatusWaiting  Status = "WAITING"
	StatusMatched  Status = "MATCHED"
	StatusRunning  Status = "RUNNING"
	StatusStalled  Status = "STALLED"
	StatusDone     Status = "DONE"
	StatusFailed   Status = "FAILED"
	StatusKilled   Status = "KILLED"
	StatusDeleted  Status = "DELETED"
)

// Job is one administrative job record.
type Job struct {
	JobID             int64
	JobName           string
	VO                string
	Owner             string
	OwnerGroup        string
	Status            Status
	MinorStatus       string
	ApplicationStatus string
	Site              string
	SubmissionTime    time.Time
	LastUpdateTime    time.Time
}

// table describes the searchable surface of the jobs store. Parameter
// names are the external API names; columns are the SQL schema.
var table = search.Table{
	Name: "jobs",
	Fields: map[string]search.Field{
		"JobID":             {Column: "job_id"},
		"JobName":           {Column: "job_name"},
		"VO":                {Column: "vo"},
		"Owner":             {Column: "owner"},
		"OwnerGroup":        {Column: "owner_group"},
		"Status":            {Column: "status"},
		"MinorStatus":       {Column: "minor_status"},
		"ApplicationStatus": {Column: "application_status"},
		"Site":              {Column: "site"},
		"SubmissionTime":    {Column: "submission_time"},
		"LastUpdateTime":    {Column: "last_update_time"},
	},
}

// VOParameter is the parameter carrying the owning VO, used for the
// implicit tenant filter.
const VOParameter = "VO"
