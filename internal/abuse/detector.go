package abuse

import "strings"

// Signature classes reported by the detector.
const (
	SignaturePathTraversal = "path_traversal"
	SignatureScriptInject  = "script_injection"
	SignatureSQLKeyword    = "sql_injection"
	SignatureAdminDeletion = "admin_deletion_probe"
)

type signature struct {
	class    string
	patterns []string
}

// The pattern set is deliberately small and fixed: this is a tripwire, not a
// WAF. Matches are reported for logging and never block the request.
var signatures = []signature{
	{
		class:    SignaturePathTraversal,
		patterns: []string{"../", "..\\", "%2e%2e%2f", "%2e%2e/"},
	},
	{
		class:    SignatureScriptInject,
		patterns: []string{"<script", "javascript:", "onerror=", "onload="},
	},
	{
		class:    SignatureSQLKeyword,
		patterns: []string{"union select", "drop table", "insert into", "' or '1'='1", "--;"},
	},
	{
		class:    SignatureAdminDeletion,
		patterns: []string{"/admin/delete", "/admin/remove", "admin/destroy"},
	},
}

// Detector scans request material against the fixed signature set.
type Detector struct{}

// NewDetector returns the shared detector. It holds no state.
func NewDetector() *Detector { return &Detector{} }

// Scan inspects the request URL, the serialized body and the user-agent and
// returns the classes of every matched signature. An empty result means
// nothing matched.
func (d *Detector) Scan(url, body, userAgent string) []string {
	haystacks := []string{
		strings.ToLower(url),
		strings.ToLower(body),
		strings.ToLower(userAgent),
	}
	var matched []string
	for _, sig := range signatures {
		if containsAny(haystacks, sig.patterns) {
			matched = append(matched, sig.class)
		}
	}
	return matched
}

func containsAny(haystacks, patterns []string) bool {
	for _, h := range haystacks {
		if h == "" {
			continue
		}
		for _, p := range patterns {
			if strings.Contains(h, p) {
				return true
			}
		}
	}
	return false
}
