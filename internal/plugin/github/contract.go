// Package github is the official GitHub capability plugin: repo connection,
// issue-to-task sync, PR linking, and the cross-instance issue lease that
// keeps two Kagan cores from working the same issue at once.
package github

// Capability is the dispatch namespace this plugin registers under.
const Capability = "kagan_github"

const (
	contractVersion      = "1"
	contractProbeMethod  = "contract_probe"
	pluginID             = "official.github"
)

// canonicalMethods is every method this plugin serves, returned verbatim by
// contract_probe so a client can discover the surface without trial and error.
var canonicalMethods = []string{
	"connect_repo",
	"sync_issues",
	"acquire_lease",
	"release_lease",
	"get_lease_state",
	"create_pr_for_task",
	"link_pr_to_task",
	"reconcile_pr_status",
}

func buildContractProbePayload(params map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"success":           true,
		"plugin_id":         pluginID,
		"contract_version":  contractVersion,
		"capability":        Capability,
		"method":            contractProbeMethod,
		"canonical_methods": canonicalMethods,
		"echo":              params["echo"],
	}
}
