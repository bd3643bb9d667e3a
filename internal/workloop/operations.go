package workloop

import "strings"

// egressOperations are agent operations that send data off the machine or
// into a remote VCS.
var egressOperations = map[string]bool{
	"git_push":     true,
	"git_fetch":    true,
	"git_pull":     true,
	"git_clone":    true,
	"create_pr":    true,
	"create_issue": true,
	"post_comment": true,
	"web_fetch":    true,
	"web_search":   true,
	"http_request": true,
	"api_call":     true,
	"upload":       true,
	"deploy":       true,
	"webhook":      true,
}

var egressPrefixes = []string{"git_", "api_", "http_"}

// IsEgressOperation reports whether operation performs network or VCS egress.
// A leading ':' is ignored.
func IsEgressOperation(operation string) bool {
	op := strings.ToLower(strings.TrimPrefix(operation, ":"))
	if egressOperations[op] {
		return true
	}
	for _, p := range egressPrefixes {
		if strings.HasPrefix(op, p) {
			return true
		}
	}
	return false
}
