package domain

import "strings"

// ChangeClass is one entry of the fixed change taxonomy.
type ChangeClass uint8

const (
	ChangeLinkState ChangeClass = iota
	ChangePortDisabled
	ChangePortMembership
	ChangePortProtected
	ChangeGroupColor
	ChangePoeEnabled
	ChangePoeSourcing
	ChangeProfileProtected
	ChangePoeCapability
	numChangeClasses
)

var changeClassNames = [numChangeClasses]string{
	"link-state",
	"port-disabled",
	"port-membership",
	"port-protected",
	"group-color",
	"poe-enabled",
	"poe-sourcing",
	"profile-protected",
	"poe-capability-toggled",
}

func (c ChangeClass) String() string {
	if c >= numChangeClasses {
		return "unknown"
	}
	return changeClassNames[c]
}

// AllChangeClasses lists the taxonomy in declaration order.
func AllChangeClasses() []ChangeClass {
	out := make([]ChangeClass, 0, numChangeClasses)
	for c := ChangeClass(0); c < numChangeClasses; c++ {
		out = append(out, c)
	}
	return out
}

// ChangeSet is a set of fired change classes.
type ChangeSet uint16

// NewChangeSet builds a set from classes.
func NewChangeSet(classes ...ChangeClass) ChangeSet {
	var s ChangeSet
	for _, c := range classes {
		s = s.With(c)
	}
	return s
}

// With returns the set with c added.
func (s ChangeSet) With(c ChangeClass) ChangeSet {
	return s | 1<<c
}

// Has reports whether c fired.
func (s ChangeSet) Has(c ChangeClass) bool {
	return s&(1<<c) != 0
}

// Empty reports whether nothing fired.
func (s ChangeSet) Empty() bool {
	return s == 0
}

// Classes returns the fired classes in taxonomy order.
func (s ChangeSet) Classes() []ChangeClass {
	var out []ChangeClass
	for c := ChangeClass(0); c < numChangeClasses; c++ {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Strings returns the names of the fired classes.
func (s ChangeSet) Strings() []string {
	classes := s.Classes()
	out := make([]string, len(classes))
	for i, c := range classes {
		out[i] = c.String()
	}
	return out
}

func (s ChangeSet) String() string {
	return strings.Join(s.Strings(), ",")
}

// Collection identifies one owned collection of the entity model.
type Collection uint8

const (
	CollectionPorts Collection = iota
	CollectionPoePorts
	CollectionGroups
	CollectionTrunks
	CollectionProfiles
	CollectionPoeCapability
)

var collectionNames = map[Collection]string{
	CollectionPorts:         "ports",
	CollectionPoePorts:      "poe_ports",
	CollectionGroups:        "groups",
	CollectionTrunks:        "trunks",
	CollectionProfiles:      "profiles",
	CollectionPoeCapability: "poe_capability",
}

func (c Collection) String() string {
	if n, ok := collectionNames[c]; ok {
		return n
	}
	return "unknown"
}

// CollectionSet is a set of collections.
type CollectionSet uint8

// With returns the set with c added.
func (s CollectionSet) With(c Collection) CollectionSet {
	return s | 1<<c
}

// Has reports whether c is in the set.
func (s CollectionSet) Has(c Collection) bool {
	return s&(1<<c) != 0
}

// Definition is a consumer-side structural definition that must be rebuilt
// when a collection is (re)initialized.
type Definition uint8

const (
	DefinitionActions Definition = 1 << iota
	DefinitionVariables
	DefinitionPresets
	DefinitionFeedbacks
)

// Definitions is a set of definitions to rebuild.
type Definitions = Definition

// Has reports whether d is requested.
func (s Definition) Has(d Definition) bool {
	return s&d != 0
}

// Update is the outcome of merging one or more fragments into the model.
type Update struct {
	// Changes are the change classes that fired
	Changes ChangeSet

	// Initialized are the collections that took their initializing observation
	Initialized CollectionSet

	// Rebuild are the consumer definitions that must be rebuilt
	Rebuild Definitions

	// Variables are the consumer-facing values that changed
	Variables map[string]any
}

// Fire marks classes as fired.
func (u *Update) Fire(classes ...ChangeClass) {
	for _, c := range classes {
		u.Changes = u.Changes.With(c)
	}
}

// Set records a changed variable value.
func (u *Update) Set(name string, value any) {
	if u.Variables == nil {
		u.Variables = make(map[string]any)
	}
	u.Variables[name] = value
}

// Merge folds other into u.
func (u *Update) Merge(other Update) {
	u.Changes |= other.Changes
	u.Initialized |= other.Initialized
	u.Rebuild |= other.Rebuild
	for k, v := range other.Variables {
		u.Set(k, v)
	}
}

// Empty reports whether the update carries nothing for consumers.
func (u Update) Empty() bool {
	return u.Changes.Empty() && u.Rebuild == 0 && len(u.Variables) == 0
}
