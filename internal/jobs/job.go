/*
 * Copyright 2025 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package jobs tracks asynchronous generation runs. Submissions are queued
// and consumed by a fixed pool of workers that write progress and results
// back into an injected Store.
package jobs

import (
	"time"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/enricher"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrorRecord is the failure reason of a failed job.
type ErrorRecord struct {
	Category apperrors.Category `json:"category"`
	Message  string             `json:"message"`
}

func newErrorRecord(err error) *ErrorRecord {
	return &ErrorRecord{Category: apperrors.CategoryOf(err), Message: err.Error()}
}

// Job is a snapshot of one generation run. Result is set iff the status is
// completed and Error iff it is failed.
type Job struct {
	ID              string                     `json:"job_id"`
	Table           database.TableIdentity     `json:"table"`
	Config          enricher.GenerationConfig  `json:"config"`
	Status          Status                     `json:"status"`
	Progress        float64                    `json:"progress"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
	Result          *enricher.MetadataDocument `json:"result,omitempty"`
	Error           *ErrorRecord               `json:"error,omitempty"`
	CancelRequested bool                       `json:"cancel_requested,omitempty"`
}

// clone copies the job. The result document is immutable and shared.
func (j *Job) clone() *Job {
	c := *j
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}
