// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package source defines the connector source tags and the entity-id
// convention shared by every layer of the ingestion plane.
package source

import (
	"github.com/zeebo/errs"
)

// Error is the default error class for the source package.
var Error = errs.Class("source")

// Source identifies a connector type. It determines which client,
// extractors, artifact schemas, and rate-limit policy apply.
type Source string

// All known connector sources.
const (
	Salesforce          Source = "salesforce"
	GitLabMR            Source = "gitlab_mr"
	FirefliesTranscript Source = "fireflies_transcript"
	TeamworkTask        Source = "teamwork_task"
	PipedriveDeal       Source = "pipedrive_deal"
	AttioRecord         Source = "attio_record"
	CanvaDesign         Source = "canva_design"
	FigmaFile           Source = "figma_file"
	PosthogInsight      Source = "posthog_insight"
	PylonIssue          Source = "pylon_issue"
	LinearIssue         Source = "linear_issue"
)

// All returns every known source.
func All() []Source {
	return []Source{
		Salesforce,
		GitLabMR,
		FirefliesTranscript,
		TeamworkTask,
		PipedriveDeal,
		AttioRecord,
		CanvaDesign,
		FigmaFile,
		PosthogInsight,
		PylonIssue,
		LinearIssue,
	}
}

// Parse converts a string tag into a known Source.
func Parse(s string) (Source, error) {
	for _, src := range All() {
		if string(src) == s {
			return src, nil
		}
	}
	return "", Error.New("unknown source %q", s)
}

// Valid reports whether the source is a known tag.
func (s Source) Valid() bool {
	_, err := Parse(string(s))
	return err == nil
}

func (s Source) String() string { return string(s) }

// EntityID builds the stable cross-layer identity key for a record.
//
// The result is a pure function of its inputs: identical provider ids
// always map to identical entity ids.
func (s Source) EntityID(providerID string) string {
	return string(s) + "_" + providerID
}

// ScopedEntityID builds the identity key for records that are only unique
// within a container, such as files in a project.
func (s Source) ScopedEntityID(containerID, providerID string) string {
	return string(s) + "_" + containerID + "_" + providerID
}
