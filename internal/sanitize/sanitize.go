// Package sanitize strips HTML/script content from session metadata and
// order IDs before they reach storage: tags, javascript:/data: schemes and
// on-event attributes must not survive into anything a dashboard later
// renders. Uses bluemonday's tokenizer-based policy rather than regex
// strip-and-reapply passes, since regex can't guarantee the fixpoint
// property malformed nested tags need (e.g. "<scr<script>ipt>").
package sanitize

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// policy is a strict-text policy: every tag is stripped, and bluemonday's
// tokenizer already drops javascript:/data: URLs and on* attributes as part
// of rejecting all elements, since none are ever allowed through.
var policy = bluemonday.StrictPolicy()

// String sanitizes a single value: strips all markup, then repeatedly
// re-sanitizes until the output stops changing, closing the hole where
// stripping an outer tag can expose a previously-nested one
// (e.g. "<scr<script>ipt>alert(1)</scr</script>ipt>").
func String(s string) string {
	const maxPasses = 8
	out := s
	for i := 0; i < maxPasses; i++ {
		next := strings.TrimSpace(policy.Sanitize(out))
		if next == out {
			return next
		}
		out = next
	}
	return out
}

// Metadata sanitizes every value in a metadata map in place and returns it,
// leaving keys untouched (keys are caller-controlled field names, not
// user-rendered content).
func Metadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	for k, v := range m {
		m[k] = String(v)
	}
	return m
}
