package judge

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/missionloop/api/schemas"
)

func TestParseVerdict_Text(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want schemas.Verdict
	}{
		{
			name: "pass with rationale",
			raw:  "PASS: ok",
			want: schemas.Verdict{Status: schemas.VerdictPass, Rationale: "ok"},
		},
		{
			name: "pass is prefix driven",
			raw:  "PASS: ok {\"metadata\": \"FAIL\"}",
			want: schemas.Verdict{Status: schemas.VerdictPass, Rationale: "ok {\"metadata\": \"FAIL\"}"},
		},
		{
			name: "pass without colon",
			raw:  "PASS everything renders",
			want: schemas.Verdict{Status: schemas.VerdictPass, Rationale: "everything renders"},
		},
		{
			name: "leading whitespace is ignored",
			raw:  "\n  PASS: fine",
			want: schemas.Verdict{Status: schemas.VerdictPass, Rationale: "fine"},
		},
		{
			name: "fail with no patch",
			raw:  "FAIL: layout broken | SUGGESTED FIXES: - fix spacing | OPTIONAL PATCH: none",
			want: schemas.Verdict{
				Status:         schemas.VerdictFail,
				Rationale:      "layout broken",
				SuggestedFixes: []string{"fix spacing"},
			},
		},
		{
			name: "fail with multiline fixes and patch",
			raw:  "FAIL: header overlaps\nSUGGESTED FIXES:\n- add margin\n* shrink logo\nOPTIONAL PATCH: ```css\nh1 { margin: 0 }\n```",
			want: schemas.Verdict{
				Status:         schemas.VerdictFail,
				Rationale:      "header overlaps",
				SuggestedFixes: []string{"add margin", "shrink logo"},
				Patch:          "h1 { margin: 0 }",
				HasPatch:       true,
			},
		},
		{
			name: "fail with inline bullets",
			raw:  "FAIL: contrast | SUGGESTED FIXES: - darken text - re-check buttons",
			want: schemas.Verdict{
				Status:         schemas.VerdictFail,
				Rationale:      "contrast",
				SuggestedFixes: []string{"darken text", "re-check buttons"},
			},
		},
		{
			name: "none is case insensitive",
			raw:  "FAIL: x | OPTIONAL PATCH:  NONE ",
			want: schemas.Verdict{Status: schemas.VerdictFail, Rationale: "x"},
		},
		{
			name: "fail with markers only",
			raw:  "FAIL SUGGESTED FIXES: retry",
			want: schemas.Verdict{Status: schemas.VerdictFail, SuggestedFixes: []string{"retry"}},
		},
		{
			name: "leading whitespace then fail",
			raw:  "\r\n\tFAIL: x",
			want: schemas.Verdict{Status: schemas.VerdictFail, Rationale: "x"},
		},
		{
			name: "text before the prefix is unparseable",
			raw:  "Verdict: PASS: looks fine",
			want: schemas.Verdict{Status: schemas.VerdictUnparseable, Rationale: "judge response did not match the PASS/FAIL grammar"},
		},
		{
			name: "lowercase prefix is unparseable",
			raw:  "pass: looks fine",
			want: schemas.Verdict{Status: schemas.VerdictUnparseable, Rationale: "judge response did not match the PASS/FAIL grammar"},
		},
		{
			name: "empty",
			raw:  "",
			want: schemas.Verdict{Status: schemas.VerdictUnparseable, Rationale: "empty judge response"},
		},
		{
			name: "whitespace only",
			raw:  " \n\t",
			want: schemas.Verdict{Status: schemas.VerdictUnparseable, Rationale: "empty judge response"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseVerdict(tt.raw, false)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseVerdict() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseVerdict_JSON(t *testing.T) {
	t.Run("fenced fail", func(t *testing.T) {
		raw := "```json\n{\"status\":\"FAIL\",\"rationale\":\"broken\",\"suggested_fixes\":[\"a\"],\"patch\":\"none\"}\n```"
		v := ParseVerdict(raw, true)
		assert.Equal(t, schemas.VerdictFail, v.Status)
		assert.Equal(t, "broken", v.Rationale)
		assert.Equal(t, []string{"a"}, v.SuggestedFixes)
		assert.False(t, v.HasPatch)
		assert.Empty(t, v.Patch)
	})

	t.Run("pass in prose", func(t *testing.T) {
		v := ParseVerdict(`Here you go: {"status":"pass","rationale":"ok"}`, true)
		assert.Equal(t, schemas.VerdictPass, v.Status)
		assert.Equal(t, "ok", v.Rationale)
	})

	t.Run("malformed json is unparseable", func(t *testing.T) {
		assert.Equal(t, schemas.VerdictUnparseable, ParseVerdict(`{"status": "PASS"`, true).Status)
	})

	t.Run("text grammar is not accepted when json is expected", func(t *testing.T) {
		assert.Equal(t, schemas.VerdictUnparseable, ParseVerdict("PASS: ok", true).Status)
	})

	t.Run("unknown status", func(t *testing.T) {
		assert.Equal(t, schemas.VerdictUnparseable, ParseVerdict(`{"status":"MAYBE"}`, true).Status)
	})
}

func TestStripFence(t *testing.T) {
	assert.Equal(t, "--- a/x\n+++ b/x", stripFence("```diff\n--- a/x\n+++ b/x\n```"))
	assert.Equal(t, "plain", stripFence("  plain  "))
}
