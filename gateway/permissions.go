// Copyright 2025 AegisGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"aegisgate/platform/shared/logger"
	"aegisgate/platform/shared/types"
)

// ACL levels, ranked. A session's high-water mark only moves up.
const (
	ACLPublic  = "PUBLIC"
	ACLPrivate = "PRIVATE"
	ACLSecret  = "SECRET"
)

var aclRank = map[string]int{
	ACLPublic:  0,
	ACLPrivate: 1,
	ACLSecret:  2,
}

// NormalizeACL uppercases and validates an ACL string, falling back to the
// default for empty or unknown values.
func NormalizeACL(value, def string) string {
	acl := strings.ToUpper(strings.TrimSpace(value))
	if _, ok := aclRank[acl]; !ok {
		return def
	}
	return acl
}

// ACLRank returns the ordinal rank of an ACL level (PUBLIC < PRIVATE < SECRET).
func ACLRank(acl string) int {
	return aclRank[NormalizeACL(acl, ACLPublic)]
}

// PermissionRecord is the security classification of one tool, resource, or
// prompt. Records are immutable once resolved for a given configuration
// version: the same (name, kind, agent) always yields the same record until
// Invalidate is called.
type PermissionRecord struct {
	Enabled                 bool   `json:"enabled"`
	WriteOperation          bool   `json:"write_operation"`
	ReadPrivateData         bool   `json:"read_private_data"`
	ReadUntrustedPublicData bool   `json:"read_untrusted_public_data"`
	ACL                     string `json:"acl,omitempty"`
	Description             string `json:"description,omitempty"`
}

// EffectiveACL returns the record's access level: an explicit value wins,
// otherwise PRIVATE when the record reads private data, else PUBLIC.
func (r PermissionRecord) EffectiveACL() string {
	if r.ACL != "" {
		return NormalizeACL(r.ACL, ACLPublic)
	}
	if r.ReadPrivateData {
		return ACLPrivate
	}
	return ACLPublic
}

// builtinSafeTools are gateway-internal tools that are always callable and
// carry no trifecta risk. Only consulted for kind=tool.
var builtinSafeTools = map[string]struct{}{
	"echo":                {},
	"get_server_info":     {},
	"get_security_status": {},
}

// wildcardRule is one entry in the ordered fallback rule table. Rules are
// evaluated most-specific-first (more pattern segments win).
type wildcardRule struct {
	pattern  string // e.g. "fs/*", "file:*", "prompt:template:*"
	prefix   string // pattern minus the trailing "*"
	segments int
	record   PermissionRecord
}

// permissionSet holds one kind's flattened exact entries plus its ordered
// wildcard rule table.
type permissionSet struct {
	exact     map[string]PermissionRecord
	wildcards []wildcardRule
}

func (s *permissionSet) lookup(name string) (PermissionRecord, bool) {
	if rec, ok := s.exact[name]; ok {
		return rec, true
	}
	for _, rule := range s.wildcards {
		if strings.HasPrefix(name, rule.prefix) {
			return rule.record, true
		}
	}
	return PermissionRecord{}, false
}

// kindSeparator returns the namespace separator for a kind: tools are
// qualified "server/tool", resources and prompts "scheme:name".
func kindSeparator(kind types.Kind) string {
	if kind == types.KindTool {
		return "/"
	}
	return ":"
}

func permissionFileName(kind types.Kind) string {
	return fmt.Sprintf("%s_permissions.json", kind)
}

// loadPermissionSet parses one permission document. The document maps
// namespaces to item records; an item named "*" becomes a wildcard rule.
// A "_metadata" block is skipped. Malformed documents are an error; the
// caller treats load failures as fatal at startup.
func loadPermissionSet(path string, kind types.Kind) (*permissionSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("permissions file not found at %s: %w", path, err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("malformed permissions document %s: %w", path, err)
	}

	set := &permissionSet{exact: make(map[string]PermissionRecord)}
	sep := kindSeparator(kind)

	for namespace, itemsRaw := range doc {
		if namespace == "_metadata" {
			continue
		}
		var items map[string]PermissionRecord
		if err := json.Unmarshal(itemsRaw, &items); err != nil {
			return nil, fmt.Errorf("invalid namespace data for %s in %s: expected object of permission records: %w", namespace, path, err)
		}
		for item, rec := range items {
			if rec.ACL != "" {
				rec.ACL = NormalizeACL(rec.ACL, ACLPublic)
			}
			if item == "*" {
				pattern := namespace + sep + "*"
				set.wildcards = append(set.wildcards, wildcardRule{
					pattern:  pattern,
					prefix:   namespace + sep,
					segments: strings.Count(pattern, sep),
					record:   rec,
				})
				continue
			}
			set.exact[namespace+sep+item] = rec
		}
	}

	// Most-specific-first: "prompt:template:*" outranks "prompt:*".
	sort.SliceStable(set.wildcards, func(i, j int) bool {
		return set.wildcards[i].segments > set.wildcards[j].segments
	})

	return set, nil
}

// agentOverrides holds one agent identity's partial permission sets, keyed
// by kind. A kind with no override file is simply absent.
type agentOverrides struct {
	sets map[types.Kind]*permissionSet
}

// AgentInfo describes one configured agent identity for the dashboard.
type AgentInfo struct {
	Name                 string `json:"name"`
	HasToolOverrides     bool   `json:"has_tool_overrides"`
	HasResourceOverrides bool   `json:"has_resource_overrides"`
	HasPromptOverrides   bool   `json:"has_prompt_overrides"`
}

// PermissionsEngine resolves names to permission records from the three
// per-kind policy documents plus optional per-agent override directories.
// It is an explicitly owned service: construct once at startup, pass by
// reference, call Invalidate for config reload.
type PermissionsEngine struct {
	configDir string
	log       *logger.Logger

	mu     sync.RWMutex
	base   map[types.Kind]*permissionSet
	agents map[string]*agentOverrides

	cacheMu sync.RWMutex
	cache   map[classifyKey]PermissionRecord
}

type classifyKey struct {
	agent string
	kind  types.Kind
	name  string
}

// NewPermissionsEngine loads the three permission documents from configDir
// and scans configDir/agents/ for per-agent override directories. Any
// malformed or missing base document is a fatal error.
func NewPermissionsEngine(configDir string) (*PermissionsEngine, error) {
	e := &PermissionsEngine{
		configDir: configDir,
		log:       logger.New("permissions"),
		cache:     make(map[classifyKey]PermissionRecord),
	}
	if err := e.reload(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *PermissionsEngine) reload() error {
	base := make(map[types.Kind]*permissionSet, 3)
	for _, kind := range []types.Kind{types.KindTool, types.KindResource, types.KindPrompt} {
		set, err := loadPermissionSet(filepath.Join(e.configDir, permissionFileName(kind)), kind)
		if err != nil {
			return err
		}
		base[kind] = set
	}

	agents, err := loadAgentOverrides(filepath.Join(e.configDir, "agents"))
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.base = base
	e.agents = agents
	e.mu.Unlock()

	e.cacheMu.Lock()
	e.cache = make(map[classifyKey]PermissionRecord)
	e.cacheMu.Unlock()

	e.log.Info("", "", "Permissions loaded", map[string]interface{}{
		"tools":     len(base[types.KindTool].exact),
		"resources": len(base[types.KindResource].exact),
		"prompts":   len(base[types.KindPrompt].exact),
		"agents":    len(agents),
	})
	return nil
}

// loadAgentOverrides scans the agents directory. A missing directory means
// no agent identities are configured; an agent subdirectory may carry any
// subset of the three document types.
func loadAgentOverrides(dir string) (map[string]*agentOverrides, error) {
	agents := make(map[string]*agentOverrides)

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return agents, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agents directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ov := &agentOverrides{sets: make(map[types.Kind]*permissionSet)}
		for _, kind := range []types.Kind{types.KindTool, types.KindResource, types.KindPrompt} {
			path := filepath.Join(dir, entry.Name(), permissionFileName(kind))
			if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
				continue
			}
			set, loadErr := loadPermissionSet(path, kind)
			if loadErr != nil {
				return nil, fmt.Errorf("agent %s: %w", entry.Name(), loadErr)
			}
			ov.sets[kind] = set
		}
		agents[entry.Name()] = ov
	}
	return agents, nil
}

// Invalidate reloads all permission documents from disk and clears the
// classification cache. Used by the config-reload endpoint.
func (e *PermissionsEngine) Invalidate() error {
	return e.reload()
}

// HasAgent reports whether an agent identity has an override directory.
func (e *PermissionsEngine) HasAgent(agentName string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.agents[agentName]
	return ok
}

// Agents lists the configured agent identities and which override
// documents each carries.
func (e *PermissionsEngine) Agents() []AgentInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	infos := make([]AgentInfo, 0, len(e.agents))
	for name, ov := range e.agents {
		infos = append(infos, AgentInfo{
			Name:                 name,
			HasToolOverrides:     ov.sets[types.KindTool] != nil,
			HasResourceOverrides: ov.sets[types.KindResource] != nil,
			HasPromptOverrides:   ov.sets[types.KindPrompt] != nil,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Classify resolves a name to its permission record. Resolution order:
// agent override map (when an identity is bound), exact base match,
// built-in safe tool allowlist (tools only), wildcard rule table, and
// finally ErrConfigurationMissing. An agent identity with no override
// directory at all fails fast rather than silently using base permissions.
func (e *PermissionsEngine) Classify(name string, kind types.Kind, agentName string) (PermissionRecord, error) {
	if !kind.Valid() {
		return PermissionRecord{}, fmt.Errorf("unknown capability kind %q", kind)
	}

	key := classifyKey{agent: agentName, kind: kind, name: name}
	e.cacheMu.RLock()
	if rec, ok := e.cache[key]; ok {
		e.cacheMu.RUnlock()
		return rec, nil
	}
	e.cacheMu.RUnlock()

	rec, err := e.classify(name, kind, agentName)
	if err != nil {
		return PermissionRecord{}, err
	}

	e.cacheMu.Lock()
	e.cache[key] = rec
	e.cacheMu.Unlock()
	return rec, nil
}

func (e *PermissionsEngine) classify(name string, kind types.Kind, agentName string) (PermissionRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if agentName != "" {
		ov, ok := e.agents[agentName]
		if !ok {
			return PermissionRecord{}, fmt.Errorf("%w: agent '%s' has no permissions directory", ErrConfigurationMissing, agentName)
		}
		if set := ov.sets[kind]; set != nil {
			if rec, found := set.lookup(name); found {
				e.log.Debug("", "", "Agent override match", map[string]interface{}{
					"agent": agentName, "kind": string(kind), "name": name,
				})
				return rec, nil
			}
		}
		// Present-but-empty overrides fall through to base records.
	}

	set := e.base[kind]
	if rec, ok := set.exact[name]; ok {
		return rec, nil
	}

	if kind == types.KindTool {
		if _, ok := builtinSafeTools[name]; ok {
			return PermissionRecord{Enabled: true, ACL: ACLPublic}, nil
		}
	}

	for _, rule := range set.wildcards {
		if strings.HasPrefix(name, rule.prefix) {
			e.log.Debug("", "", "Wildcard match", map[string]interface{}{
				"kind": string(kind), "name": name, "pattern": rule.pattern,
			})
			return rule.record, nil
		}
	}

	return PermissionRecord{}, configurationMissingError(kind, name)
}
