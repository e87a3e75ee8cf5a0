// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package source_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/inlet/ingest/source"
)

func TestParse(t *testing.T) {
	for _, src := range source.All() {
		parsed, err := source.Parse(src.String())
		require.NoError(t, err)
		require.Equal(t, src, parsed)
	}

	_, err := source.Parse("jira_issue")
	require.Error(t, err)
	require.False(t, source.Source("jira_issue").Valid())
}

func TestEntityIDStability(t *testing.T) {
	require.Equal(t, "salesforce_001ABC", source.Salesforce.EntityID("001ABC"))
	require.Equal(t, "teamwork_task_7001", source.TeamworkTask.EntityID("7001"))
	require.Equal(t, "gitlab_mr_42_137", source.GitLabMR.ScopedEntityID("42", "137"))
	require.Equal(t, "figma_file_team9_keyX", source.FigmaFile.ScopedEntityID("team9", "keyX"))

	// identical inputs must produce identical outputs, no hidden state.
	for i := 0; i < 3; i++ {
		require.Equal(t, "attio_record_rec_55", source.AttioRecord.EntityID("rec_55"))
	}
}
