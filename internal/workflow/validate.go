package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// Stable validation issue codes, persisted with the graph and exported as
// metric labels.
const (
	IssueInvalidDependency  = "INVALID_DEPENDENCY"
	IssueCircularDependency = "CIRCULAR_DEPENDENCY"
	IssueBudgetExceeded     = "BUDGET_EXCEEDED"
)

// ValidationIssue is a single structural problem found in a graph.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	NodeKey string `json:"node_key,omitempty"`
}

// ValidationError aggregates validation issues for callers that want an error.
type ValidationError struct {
	Issues []ValidationIssue
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "graph validation failed"
	}
	if len(e.Issues) == 1 {
		return e.Issues[0].Message
	}
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.Message
	}
	return fmt.Sprintf("%d validation errors: %s", len(e.Issues), strings.Join(msgs, "; "))
}

// dagNode is the validator's view of one vertex: a key plus the keys it
// depends on. Both graph nodes and template node blueprints reduce to it.
type dagNode struct {
	Key  string
	Deps []string
}

// validateDAG checks dependency integrity and acyclicity over the given
// vertices. Unknown dependency keys are reported per reference; cycle
// detection peels zero-in-degree vertices and reports whatever remains.
func validateDAG(nodes []dagNode) []ValidationIssue {
	var issues []ValidationIssue

	known := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		known[n.Key] = struct{}{}
	}

	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		if _, ok := indegree[n.Key]; !ok {
			indegree[n.Key] = 0
		}
		seen := make(map[string]struct{}, len(n.Deps))
		for _, dep := range n.Deps {
			if _, ok := known[dep]; !ok {
				issues = append(issues, ValidationIssue{
					Code:    IssueInvalidDependency,
					Message: fmt.Sprintf("node %q depends on unknown node %q", n.Key, dep),
					NodeKey: n.Key,
				})
				continue
			}
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			indegree[n.Key]++
			dependents[dep] = append(dependents[dep], n.Key)
		}
	}

	// Kahn: peel zero-in-degree vertices; survivors sit on a cycle or behind one
	zero := make([]string, 0, len(indegree))
	for key, d := range indegree {
		if d == 0 {
			zero = append(zero, key)
		}
	}
	removed := 0
	for len(zero) > 0 {
		current := zero[0]
		zero = zero[1:]
		removed++
		for _, next := range dependents[current] {
			indegree[next]--
			if indegree[next] == 0 {
				zero = append(zero, next)
			}
		}
	}
	if removed != len(indegree) {
		var cycle []string
		for key, d := range indegree {
			if d > 0 {
				cycle = append(cycle, key)
			}
		}
		sort.Strings(cycle)
		issues = append(issues, ValidationIssue{
			Code:    IssueCircularDependency,
			Message: fmt.Sprintf("dependency cycle through: %s", strings.Join(cycle, ", ")),
		})
	}

	return issues
}

// topoOrder returns the vertices in dependency order. The caller must have
// validated acyclicity; leftover vertices are appended in key order so the
// result always covers every input.
func topoOrder(nodes []dagNode) []string {
	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	known := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		known[n.Key] = struct{}{}
	}
	for _, n := range nodes {
		if _, ok := indegree[n.Key]; !ok {
			indegree[n.Key] = 0
		}
		seen := make(map[string]struct{}, len(n.Deps))
		for _, dep := range n.Deps {
			if _, ok := known[dep]; !ok {
				continue
			}
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			indegree[n.Key]++
			dependents[dep] = append(dependents[dep], n.Key)
		}
	}

	zero := make([]string, 0, len(indegree))
	for key, d := range indegree {
		if d == 0 {
			zero = append(zero, key)
		}
	}
	sort.Strings(zero)

	order := make([]string, 0, len(indegree))
	placed := make(map[string]struct{}, len(indegree))
	for len(zero) > 0 {
		current := zero[0]
		zero = zero[1:]
		order = append(order, current)
		placed[current] = struct{}{}
		for _, next := range dependents[current] {
			indegree[next]--
			if indegree[next] == 0 {
				zero = append(zero, next)
			}
		}
		sort.Strings(zero)
	}

	if len(order) != len(indegree) {
		var rest []string
		for key := range indegree {
			if _, ok := placed[key]; !ok {
				rest = append(rest, key)
			}
		}
		sort.Strings(rest)
		order = append(order, rest...)
	}
	return order
}
