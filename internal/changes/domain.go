package changes

import (
	"fmt"
	"strings"
)

// Domain is one independently synchronized category of data.
type Domain uint8

const (
	KnowledgeStore Domain = iota
	AbilityStore
	TaskStore
	RuneStore
	GoalStore
	NotificationStore
	AnalyticsStore
	GlossaryStore
	RelationStore

	domainCount
)

type domainInfo struct {
	name   string
	tables []string
}

// domainTables is indexed by Domain. The first table of each entry is the
// primary table that local changes are pushed to.
var domainTables = [...]domainInfo{
	KnowledgeStore:    {"knowledge-store", []string{"knowledge_records", "knowledge_collections", "knowledge_collection_records"}},
	AbilityStore:      {"ability-store", []string{"user_actions", "abilities"}},
	TaskStore:         {"task-store", []string{"tasks", "task_steps", "agentic_flows", "agentic_flow_nodes", "agentic_flow_edges", "agentic_flow_executions"}},
	RuneStore:         {"rune-store", []string{"runes"}},
	GoalStore:         {"goal-store", []string{"goals", "key_results"}},
	NotificationStore: {"notification-store", []string{"notifications"}},
	AnalyticsStore:    {"analytics-store", []string{"system_events", "user_feedback"}},
	GlossaryStore:     {"glossary-store", []string{"glossary"}},
	RelationStore:     {"relation-store", []string{"knowledge_relations"}},
}

// Adding a Domain without a domainTables entry (or the reverse) fails to compile.
var (
	_ [len(domainTables) - int(domainCount)]struct{}
	_ [int(domainCount) - len(domainTables)]struct{}
)

// AllDomains returns every synchronizable domain in declaration order.
func AllDomains() []Domain {
	out := make([]Domain, 0, domainCount)
	for d := Domain(0); d < domainCount; d++ {
		out = append(out, d)
	}
	return out
}

func (d Domain) Valid() bool { return d < domainCount }

func (d Domain) String() string {
	if !d.Valid() {
		return fmt.Sprintf("domain(%d)", uint8(d))
	}
	return domainTables[d].name
}

// Table returns the primary remote table for the domain.
func (d Domain) Table() string {
	if !d.Valid() {
		return ""
	}
	return domainTables[d].tables[0]
}

// Tables returns every remote table owned by the domain, primary first.
func (d Domain) Tables() []string {
	if !d.Valid() {
		return nil
	}
	return append([]string(nil), domainTables[d].tables...)
}

// ParseDomain resolves a domain name such as "task-store".
func ParseDomain(s string) (Domain, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d := Domain(0); d < domainCount; d++ {
		if domainTables[d].name == name {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown domain %q", s)
}

// DomainForTable returns the domain that owns a remote table.
func DomainForTable(table string) (Domain, bool) {
	for d := Domain(0); d < domainCount; d++ {
		for _, t := range domainTables[d].tables {
			if t == table {
				return d, true
			}
		}
	}
	return 0, false
}

func (d Domain) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("unknown domain %d", uint8(d))
	}
	return []byte(d.String()), nil
}

func (d *Domain) UnmarshalText(b []byte) error {
	v, err := ParseDomain(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
