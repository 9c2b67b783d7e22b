package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/commonsops/rostersync/pkg/naming"
)

// ChannelBlock describes one channel tier (standard or admin) of an entity
// kind: the chat channel name pattern, its visibility, and the matching
// identity-provider group pattern.
type ChannelBlock struct {
	ChannelNamePattern   string `yaml:"channel_name_pattern"`
	ChannelType          string `yaml:"channel_type,omitempty"` // "O" public, "P" private
	ProviderGroupPattern string `yaml:"provider_group_pattern,omitempty"`
}

// OutlineBlock describes the documentation collection of an entity kind.
type OutlineBlock struct {
	CollectionNamePattern string `yaml:"collection_name_pattern"`
	DefaultAccess         string `yaml:"default_access"`
	AdminAccess           string `yaml:"admin_access"`
}

// BrevoBlock describes the contact list of an entity kind.
type BrevoBlock struct {
	ListNamePattern string `yaml:"list_name_pattern"`
	FolderName      string `yaml:"folder_name,omitempty"`
}

// NocoDBBlock describes the database base of an entity kind.
type NocoDBBlock struct {
	BaseTitlePattern string `yaml:"base_title_pattern"`
	DefaultAccess    string `yaml:"default_access"`
	AdminAccess      string `yaml:"admin_access"`
}

// VaultwardenBlock describes the password collection of an entity kind.
type VaultwardenBlock struct {
	CollectionNamePattern string `yaml:"collection_name_pattern"`
}

// KindConfig is one entity kind's full block from the permissions matrix.
// Standard is mandatory; everything else is optional and a nil block means
// the kind has no resource in that service.
type KindConfig struct {
	Kind        string            `yaml:"-"`
	Standard    ChannelBlock      `yaml:"standard"`
	Admin       *ChannelBlock     `yaml:"admin,omitempty"`
	Outline     *OutlineBlock     `yaml:"outline,omitempty"`
	Brevo       *BrevoBlock       `yaml:"brevo,omitempty"`
	NocoDB      *NocoDBBlock      `yaml:"nocodb,omitempty"`
	Vaultwarden *VaultwardenBlock `yaml:"vaultwarden,omitempty"`
}

// HasAdmin returns true when the kind defines a restricted admin channel.
func (k *KindConfig) HasAdmin() bool {
	return k.Admin != nil && k.Admin.ChannelNamePattern != ""
}

// Matrix is the parsed permissions matrix. Kinds preserves the file's key
// order; entity lookups iterate kinds in that order, so the order is part of
// the configuration's meaning.
type Matrix struct {
	Kinds []KindConfig

	index map[string]*KindConfig
}

// validNocoDBRoles is the closed role set the database platform accepts.
var validNocoDBRoles = map[string]bool{
	"owner":     true,
	"creator":   true,
	"editor":    true,
	"commenter": true,
	"viewer":    true,
	"guest":     true,
	"no-access": true,
}

// LoadMatrix reads and parses the permissions matrix file. A missing or
// malformed matrix is a startup failure, not a degraded mode.
func LoadMatrix(path string) (*Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading permissions matrix %s: %w", path, err)
	}
	m, err := ParseMatrix(data)
	if err != nil {
		return nil, fmt.Errorf("permissions matrix %s: %w", path, err)
	}
	return m, nil
}

// ParseMatrix parses permissions matrix YAML. The document must carry a
// non-empty mapping under the top-level "permissions" key. Kind order is
// taken from the document, not sorted.
func ParseMatrix(data []byte) (*Matrix, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("document is empty")
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("top level must be a mapping")
	}

	var perms *yaml.Node
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "permissions" {
			perms = root.Content[i+1]
			break
		}
	}
	if perms == nil {
		return nil, fmt.Errorf("missing top-level permissions key")
	}
	if perms.Kind != yaml.MappingNode || len(perms.Content) == 0 {
		return nil, fmt.Errorf("permissions must be a non-empty mapping")
	}

	m := &Matrix{index: make(map[string]*KindConfig)}
	for i := 0; i+1 < len(perms.Content); i += 2 {
		kind := perms.Content[i].Value
		var kc KindConfig
		if err := perms.Content[i+1].Decode(&kc); err != nil {
			return nil, fmt.Errorf("kind %s: %w", kind, err)
		}
		kc.Kind = kind
		m.Kinds = append(m.Kinds, kc)
	}
	for i := range m.Kinds {
		m.index[m.Kinds[i].Kind] = &m.Kinds[i]
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Matrix) validate() error {
	for i := range m.Kinds {
		kc := &m.Kinds[i]
		if kc.Kind == "" {
			return fmt.Errorf("empty kind key")
		}
		if kc.Standard.ChannelNamePattern == "" {
			return fmt.Errorf("kind %s: standard.channel_name_pattern is required", kc.Kind)
		}

		if err := checkChannelBlock(kc.Kind, "standard", &kc.Standard); err != nil {
			return err
		}
		if kc.Admin != nil {
			if err := checkChannelBlock(kc.Kind, "admin", kc.Admin); err != nil {
				return err
			}
		}
		if kc.Outline != nil {
			if err := checkPattern(kc.Kind, "outline.collection_name_pattern", kc.Outline.CollectionNamePattern); err != nil {
				return err
			}
		}
		if kc.Brevo != nil {
			if err := checkPattern(kc.Kind, "brevo.list_name_pattern", kc.Brevo.ListNamePattern); err != nil {
				return err
			}
		}
		if kc.NocoDB != nil {
			if err := checkPattern(kc.Kind, "nocodb.base_title_pattern", kc.NocoDB.BaseTitlePattern); err != nil {
				return err
			}
			if err := checkRole(kc.Kind, "nocodb.default_access", kc.NocoDB.DefaultAccess); err != nil {
				return err
			}
			if err := checkRole(kc.Kind, "nocodb.admin_access", kc.NocoDB.AdminAccess); err != nil {
				return err
			}
		}
		if kc.Vaultwarden != nil {
			if err := checkPattern(kc.Kind, "vaultwarden.collection_name_pattern", kc.Vaultwarden.CollectionNamePattern); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkChannelBlock(kind, block string, cb *ChannelBlock) error {
	if err := checkPattern(kind, block+".channel_name_pattern", cb.ChannelNamePattern); err != nil {
		return err
	}
	if err := checkPattern(kind, block+".provider_group_pattern", cb.ProviderGroupPattern); err != nil {
		return err
	}
	switch cb.ChannelType {
	case "", "O", "P":
		return nil
	default:
		return fmt.Errorf("kind %s: %s.channel_type must be O or P, got %q", kind, block, cb.ChannelType)
	}
}

// checkPattern requires the placeholder exactly once in a non-empty pattern.
// A pattern without the placeholder renders the same name for every base
// name and can never be matched during discovery, so it is rejected here
// rather than silently never matching.
func checkPattern(kind, field, pattern string) error {
	if pattern == "" {
		return nil
	}
	if !naming.ValidatePattern(pattern) {
		return fmt.Errorf("kind %s: %s must contain %s exactly once", kind, field, naming.Placeholder)
	}
	return nil
}

func checkRole(kind, field, role string) error {
	if role == "" {
		return fmt.Errorf("kind %s: %s is required", kind, field)
	}
	if !validNocoDBRoles[role] {
		return fmt.Errorf("kind %s: %s has unknown role %q", kind, field, role)
	}
	return nil
}

// Kind returns the configuration for one entity kind.
func (m *Matrix) Kind(kind string) (*KindConfig, bool) {
	kc, ok := m.index[kind]
	return kc, ok
}

// ChannelPatterns returns channel display-name patterns for entity discovery,
// in matrix order.
func (m *Matrix) ChannelPatterns() []naming.KindPatterns {
	out := make([]naming.KindPatterns, 0, len(m.Kinds))
	for i := range m.Kinds {
		kc := &m.Kinds[i]
		kp := naming.KindPatterns{Kind: kc.Kind, Standard: kc.Standard.ChannelNamePattern}
		if kc.Admin != nil {
			kp.Admin = kc.Admin.ChannelNamePattern
		}
		out = append(out, kp)
	}
	return out
}

// GroupPatterns returns identity-provider group-name patterns for entity
// discovery, in matrix order.
func (m *Matrix) GroupPatterns() []naming.KindPatterns {
	out := make([]naming.KindPatterns, 0, len(m.Kinds))
	for i := range m.Kinds {
		kc := &m.Kinds[i]
		kp := naming.KindPatterns{Kind: kc.Kind, Standard: kc.Standard.ProviderGroupPattern}
		if kc.Admin != nil {
			kp.Admin = kc.Admin.ProviderGroupPattern
		}
		if kp.Standard == "" && kp.Admin == "" {
			continue
		}
		out = append(out, kp)
	}
	return out
}

// OutlinePatterns returns documentation collection-name patterns, in matrix
// order, for kinds that have an outline block.
func (m *Matrix) OutlinePatterns() []naming.KindPatterns {
	var out []naming.KindPatterns
	for i := range m.Kinds {
		kc := &m.Kinds[i]
		if kc.Outline == nil || kc.Outline.CollectionNamePattern == "" {
			continue
		}
		out = append(out, naming.KindPatterns{Kind: kc.Kind, Standard: kc.Outline.CollectionNamePattern})
	}
	return out
}

// NocoDBPatterns returns base-title patterns, in matrix order, for kinds
// that have a nocodb block.
func (m *Matrix) NocoDBPatterns() []naming.KindPatterns {
	var out []naming.KindPatterns
	for i := range m.Kinds {
		kc := &m.Kinds[i]
		if kc.NocoDB == nil || kc.NocoDB.BaseTitlePattern == "" {
			continue
		}
		out = append(out, naming.KindPatterns{Kind: kc.Kind, Standard: kc.NocoDB.BaseTitlePattern})
	}
	return out
}

// VaultwardenPatterns returns password-collection-name patterns, in matrix
// order, for kinds that have a vaultwarden block.
func (m *Matrix) VaultwardenPatterns() []naming.KindPatterns {
	var out []naming.KindPatterns
	for i := range m.Kinds {
		kc := &m.Kinds[i]
		if kc.Vaultwarden == nil || kc.Vaultwarden.CollectionNamePattern == "" {
			continue
		}
		out = append(out, naming.KindPatterns{Kind: kc.Kind, Standard: kc.Vaultwarden.CollectionNamePattern})
	}
	return out
}
