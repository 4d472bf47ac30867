// internal/judge/grammar.go
package judge

import (
	"strings"

	"github.com/xkilldash9x/missionloop/api/schemas"
)

// Markers of the judge reply grammar. Matching is case-sensitive.
const (
	PassPrefix   = "PASS"
	FailPrefix   = "FAIL"
	FixesMarker  = "SUGGESTED FIXES:"
	PatchMarker  = "OPTIONAL PATCH:"
	noPatchValue = "none"
)

// ParseVerdict derives a Verdict from raw judge text. It never fails: anything that
// does not match the grammar is reported as unparseable.
//
// Text form:
//
//	PASS: <rationale>
//	FAIL: <rationale> | SUGGESTED FIXES: - a - b | OPTIONAL PATCH: <patch|none>
//
// With expectJSON the reply must instead carry an object of the form
// {"status":"PASS|FAIL","rationale":"...","suggested_fixes":[...],"patch":"..."}.
func ParseVerdict(raw string, expectJSON bool) schemas.Verdict {
	if expectJSON {
		return parseJSONVerdict(raw)
	}

	// Leading whitespace is tolerated; any other text before the prefix is not.
	text := strings.TrimLeft(raw, " \t\r\n")
	switch {
	case strings.HasPrefix(text, PassPrefix):
		return schemas.Verdict{
			Status:    schemas.VerdictPass,
			Rationale: afterColon(text, PassPrefix),
		}
	case strings.HasPrefix(text, FailPrefix):
		return parseFail(text)
	default:
		return unparseable(raw)
	}
}

func unparseable(raw string) schemas.Verdict {
	rationale := "judge response did not match the PASS/FAIL grammar"
	if strings.TrimSpace(raw) == "" {
		rationale = "empty judge response"
	}
	return schemas.Verdict{Status: schemas.VerdictUnparseable, Rationale: rationale}
}

// afterColon returns the trimmed text following the first ':' or, when there is none,
// the text following the prefix.
func afterColon(text, prefix string) string {
	if i := strings.Index(text, ":"); i >= 0 {
		return strings.TrimSpace(text[i+1:])
	}
	return strings.TrimSpace(text[len(prefix):])
}

func parseFail(text string) schemas.Verdict {
	v := schemas.Verdict{Status: schemas.VerdictFail}

	body := text[len(FailPrefix):]
	if i := strings.Index(body, ":"); i >= 0 {
		// The colon belongs to the prefix only if it precedes every marker.
		if j := firstMarker(body); j < 0 || i < j {
			body = body[i+1:]
		}
	}

	patchAt := strings.Index(body, PatchMarker)
	if patchAt >= 0 {
		v.Patch, v.HasPatch = normalizePatch(body[patchAt+len(PatchMarker):])
		body = body[:patchAt]
	}
	if fixesAt := strings.Index(body, FixesMarker); fixesAt >= 0 {
		v.SuggestedFixes = splitFixes(body[fixesAt+len(FixesMarker):])
		body = body[:fixesAt]
	}
	if bar := strings.Index(body, "|"); bar >= 0 {
		body = body[:bar]
	}
	v.Rationale = strings.TrimSpace(body)
	return v
}

func firstMarker(s string) int {
	at := -1
	for _, m := range []string{FixesMarker, PatchMarker, "|"} {
		if i := strings.Index(s, m); i >= 0 && (at < 0 || i < at) {
			at = i
		}
	}
	return at
}

// normalizePatch trims the payload and maps the literal "none" (any case) to no patch.
func normalizePatch(s string) (string, bool) {
	patch := stripFence(s)
	if patch == "" || strings.EqualFold(patch, noPatchValue) {
		return "", false
	}
	return patch, true
}

// splitFixes breaks a free-form fixes segment into items on line breaks, '|' separators
// and " - " bullets.
func splitFixes(segment string) []string {
	var fixes []string
	for _, line := range strings.Split(strings.ReplaceAll(segment, "|", "\n"), "\n") {
		for _, part := range strings.Split(" "+line, " - ") {
			item := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(part), "-*•"))
			if item != "" {
				fixes = append(fixes, item)
			}
		}
	}
	return fixes
}

type jsonVerdict struct {
	Status         string   `json:"status"`
	Rationale      string   `json:"rationale"`
	SuggestedFixes []string `json:"suggested_fixes"`
	Patch          string   `json:"patch"`
}

func parseJSONVerdict(raw string) schemas.Verdict {
	jv, err := decodeObject[jsonVerdict](raw)
	if err != nil {
		return unparseable(raw)
	}

	var v schemas.Verdict
	switch strings.ToUpper(strings.TrimSpace(jv.Status)) {
	case PassPrefix:
		v.Status = schemas.VerdictPass
	case FailPrefix:
		v.Status = schemas.VerdictFail
		v.SuggestedFixes = jv.SuggestedFixes
		v.Patch, v.HasPatch = normalizePatch(jv.Patch)
	default:
		return unparseable(raw)
	}
	v.Rationale = strings.TrimSpace(jv.Rationale)
	return v
}
