package importjob

import (
	"io/fs"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recoveryflow/migrations"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusUploaded, StatusProcessing},
		{StatusProcessing, StatusReadyForReview},
		{StatusProcessing, StatusFailed},
		{StatusReadyForReview, StatusApproved},
		{StatusReadyForReview, StatusRejected},
		{StatusFailed, StatusProcessing},
		{StatusFailed, StatusApproved},
		{StatusFailed, StatusRejected},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusUploaded, StatusReadyForReview},
		{StatusProcessing, StatusProcessing},
		{StatusProcessing, StatusApproved},
		{StatusReadyForReview, StatusProcessing},
		{StatusApproved, StatusReadyForReview},
		{StatusApproved, StatusApproved},
		{StatusRejected, StatusProcessing},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	all := []Status{StatusUploaded, StatusProcessing, StatusReadyForReview, StatusApproved, StatusRejected, StatusFailed}
	for _, s := range all {
		if !s.Valid() {
			t.Errorf("expected %s to be valid", s)
		}
		wantPoll := s == StatusUploaded || s == StatusProcessing
		if IsPollable(s) != wantPoll {
			t.Errorf("IsPollable(%s) = %v", s, !wantPoll)
		}
		wantReview := s == StatusReadyForReview || s == StatusFailed
		if IsReviewable(s) != wantReview {
			t.Errorf("IsReviewable(%s) = %v", s, !wantReview)
		}
		wantTerminal := s == StatusApproved || s == StatusRejected
		if IsTerminal(s) != wantTerminal {
			t.Errorf("IsTerminal(%s) = %v", s, !wantTerminal)
		}
	}
	if Status("archived").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}

func TestSchemaTransitionsMatchRegistry(t *testing.T) {
	sql, err := fs.ReadFile(migrations.FS(), "0001_core.sql")
	require.NoError(t, err)

	pair := regexp.MustCompile(`\('(\w+)'::import_status,\s*'(\w+)'::import_status\)`)
	var inSchema []string
	for _, m := range pair.FindAllStringSubmatch(string(sql), -1) {
		inSchema = append(inSchema, m[1]+"->"+m[2])
	}

	var inRegistry []string
	for from, tos := range transitions {
		for _, to := range tos {
			inRegistry = append(inRegistry, string(from)+"->"+string(to))
		}
	}
	assert.ElementsMatch(t, inRegistry, inSchema)
}
