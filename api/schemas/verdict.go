package schemas

// VerdictStatus is derived deterministically from the raw judge text.
type VerdictStatus string

const (
	VerdictPass        VerdictStatus = "pass"
	VerdictFail        VerdictStatus = "fail"
	VerdictUnparseable VerdictStatus = "unparseable"
)

// Verdict is the parsed judge response.
//
// A patch payload equal to the literal "none" is normalised to "no patch":
// Patch is empty and HasPatch is false.
type Verdict struct {
	Status         VerdictStatus `json:"status"`
	Rationale      string        `json:"rationale"`
	SuggestedFixes []string      `json:"suggested_fixes,omitempty"`
	Patch          string        `json:"patch,omitempty"`
	HasPatch       bool          `json:"has_patch"`
}

// Passed is a nil-safe check for a pass verdict.
func (v *Verdict) Passed() bool {
	return v != nil && v.Status == VerdictPass
}
