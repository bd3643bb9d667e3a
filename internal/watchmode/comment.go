package watchmode

import (
	"fmt"
	"strings"

	"github.com/viamin/aidp-sub015/internal/trifecta"
)

// IncidentComment renders the markdown posted when a work unit gives up.
func IncidentComment(v *trifecta.PolicyViolation, vc ViolationContext) string {
	var b strings.Builder

	b.WriteString("## Security policy violation\n\n")
	fmt.Fprintf(&b, "Work unit `%s` was stopped by the Rule of Two. ", workUnitID(v, vc))
	fmt.Fprintf(&b, "Enabling **%s**", v.Flag)
	if v.Source != "" {
		fmt.Fprintf(&b, " (source: `%s`)", v.Source)
	}
	b.WriteString(" would have given the agent untrusted input, private data and egress at the same time.\n\n")

	b.WriteString("### Capabilities at the time of the violation\n\n")
	b.WriteString("| Capability | Enabled | Source |\n")
	b.WriteString("|---|---|---|\n")
	for _, f := range trifecta.Flags {
		enabled := "no"
		if v.State.Enabled(f) {
			enabled = "yes"
		}
		src := v.State.Source(f)
		if src == "" {
			src = "-"
		}
		fmt.Fprintf(&b, "| %s | %s | %s |\n", f, enabled, src)
	}
	fmt.Fprintf(&b, "\n%s\n\n", v.State.StatusString())

	b.WriteString("### Suggested remediation\n\n")
	b.WriteString("- Use the Secrets Proxy so the agent receives short-lived tokens instead of raw credentials.\n")
	b.WriteString("- Sanitize input from issues, pull requests and external URLs before the agent sees it.\n")
	b.WriteString("- Split the task so that pushing or publishing happens in a separate work unit.\n\n")
	b.WriteString("A maintainer needs to review this before work can continue.\n")

	return b.String()
}
