package rbac

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Effect is the tri-state outcome stored for a permission key.
type Effect uint8

const (
	// Unset means the map says nothing about the key.
	Unset Effect = iota
	// Allow grants the key.
	Allow
	// Deny records an explicit refusal for the key.
	Deny
)

func (e Effect) String() string {
	switch e {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "unset"
	}
}

// EffectFromBool converts the wire boolean into an Effect.
func EffectFromBool(v bool) Effect {
	if v {
		return Allow
	}
	return Deny
}

const keySeparator = ":"

// Key addresses a capability at module, submodule or action granularity.
// Submodule and Action are empty for coarser grants.
type Key struct {
	Module    string
	Submodule string
	Action    string
}

// String renders the key as module[:submodule[:action]].
func (k Key) String() string {
	switch {
	case k.Submodule == "":
		return k.Module
	case k.Action == "":
		return k.Module + keySeparator + k.Submodule
	default:
		return k.Module + keySeparator + k.Submodule + keySeparator + k.Action
	}
}

// Validate ensures the key is well formed.
func (k Key) Validate() error {
	if k.Module == "" {
		return fmt.Errorf("%w: module required", ErrInvalidPermissionMap)
	}
	if k.Submodule == "" && k.Action != "" {
		return fmt.Errorf("%w: action %q without submodule", ErrInvalidPermissionMap, k.Action)
	}
	for _, part := range []string{k.Module, k.Submodule, k.Action} {
		if strings.Contains(part, keySeparator) {
			return fmt.Errorf("%w: segment %q contains separator", ErrInvalidPermissionMap, part)
		}
	}
	return nil
}

// ParseKey parses "module", "module:submodule" or "module:submodule:action".
func ParseKey(raw string) (Key, error) {
	raw = strings.TrimSpace(raw)
	parts := strings.Split(raw, keySeparator)
	if len(parts) > 3 {
		return Key{}, fmt.Errorf("%w: key %q has too many segments", ErrInvalidPermissionMap, raw)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	key := Key{Module: parts[0]}
	if len(parts) > 1 {
		key.Submodule = parts[1]
	}
	if len(parts) > 2 {
		key.Action = parts[2]
	}
	if err := key.Validate(); err != nil {
		return Key{}, err
	}
	return key, nil
}

// PermissionMap is the normalized permission document of a role.
type PermissionMap map[Key]Effect

// Set records an effect. Unset removes the key.
func (m PermissionMap) Set(key Key, effect Effect) {
	if effect == Unset {
		delete(m, key)
		return
	}
	m[key] = effect
}

// Get returns the stored effect for the exact key.
func (m PermissionMap) Get(key Key) Effect {
	if m == nil {
		return Unset
	}
	return m[key]
}

// Allows walks the resolution chain: exact action, then submodule, then
// module root. The first Allow wins. With no action, any allowed action
// under the submodule counts; with no submodule, any grant in the module does.
func (m PermissionMap) Allows(module, submodule, action string) bool {
	if len(m) == 0 || module == "" {
		return false
	}
	if submodule != "" && action != "" {
		if m[Key{Module: module, Submodule: submodule, Action: action}] == Allow {
			return true
		}
	}
	if submodule != "" {
		if m[Key{Module: module, Submodule: submodule}] == Allow {
			return true
		}
		if action == "" && m.anyAllowed(func(k Key) bool {
			return k.Module == module && k.Submodule == submodule && k.Action != ""
		}) {
			return true
		}
	}
	if m[Key{Module: module}] == Allow {
		return true
	}
	if submodule == "" && action == "" {
		return m.anyAllowed(func(k Key) bool { return k.Module == module })
	}
	return false
}

func (m PermissionMap) anyAllowed(match func(Key) bool) bool {
	for k, eff := range m {
		if eff == Allow && match(k) {
			return true
		}
	}
	return false
}

// AllowedKeys returns the sorted string form of every granted key.
func (m PermissionMap) AllowedKeys() []string {
	keys := make([]string, 0, len(m))
	for k, eff := range m {
		if eff == Allow {
			keys = append(keys, k.String())
		}
	}
	sort.Strings(keys)
	return keys
}

// Clone returns an independent copy.
func (m PermissionMap) Clone() PermissionMap {
	out := make(PermissionMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Modules lists the distinct modules referenced by the map.
func (m PermissionMap) Modules() []string {
	seen := make(map[string]struct{}, len(m))
	for k := range m {
		seen[k.Module] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for mod := range seen {
		out = append(out, mod)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON emits the flat canonical form {"module:submodule:action": bool}.
func (m PermissionMap) MarshalJSON() ([]byte, error) {
	flat := make(map[string]bool, len(m))
	for k, eff := range m {
		if eff == Unset {
			continue
		}
		flat[k.String()] = eff == Allow
	}
	return json.Marshal(flat)
}

// UnmarshalJSON accepts the flat form as well as the nested shapes
// {"inventory": true} and {"sales": {"leads": {"view": true}}}.
func (m *PermissionMap) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPermissionMap, err)
	}
	out := make(PermissionMap)
	for name, value := range raw {
		if err := decodeNode(out, nil, name, value); err != nil {
			return err
		}
	}
	*m = out
	return nil
}

// decodeNode places a boolean or object found under prefix+name.
func decodeNode(out PermissionMap, prefix []string, name string, value json.RawMessage) error {
	segments := append(append([]string{}, prefix...), strings.Split(name, keySeparator)...)
	if len(segments) > 3 {
		return fmt.Errorf("%w: %q nested too deeply", ErrInvalidPermissionMap, strings.Join(segments, keySeparator))
	}

	path := strings.Join(segments, keySeparator)
	if string(bytes.TrimSpace(value)) == "null" {
		return fmt.Errorf("%w: %q is null", ErrInvalidPermissionMap, path)
	}

	var flag bool
	if err := json.Unmarshal(value, &flag); err == nil {
		key, err := ParseKey(path)
		if err != nil {
			return err
		}
		// Two shapes naming the same key would resolve in map order.
		if _, dup := out[key]; dup {
			return fmt.Errorf("%w: %q defined more than once", ErrInvalidPermissionMap, path)
		}
		out.Set(key, EffectFromBool(flag))
		return nil
	}

	var children map[string]json.RawMessage
	if err := json.Unmarshal(value, &children); err != nil {
		return fmt.Errorf("%w: %q must be a boolean or an object", ErrInvalidPermissionMap, path)
	}
	for child, childValue := range children {
		if err := decodeNode(out, segments, child, childValue); err != nil {
			return err
		}
	}
	return nil
}

// ParsePermissionMap decodes any supported JSON shape.
func ParsePermissionMap(data []byte) (PermissionMap, error) {
	if len(strings.TrimSpace(string(data))) == 0 || string(data) == "null" {
		return PermissionMap{}, nil
	}
	var m PermissionMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
