// Package bindle models the content-addressed "invoice" manifest format
// (name/version plus a set of sha256-addressed parcels with group
// membership) and understands which parcels are WAGI HTTP handlers.
package bindle

// Invoice is a manifest describing a named, versioned bundle and its
// constituent parcels.
type Invoice struct {
	Bindle BindleSpec `toml:"bindle"`
	Group  []Group    `toml:"group"`
	Parcel []Parcel   `toml:"parcel"`
}

// BindleSpec identifies the bundle by name and version.
type BindleSpec struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// ID returns the "<name>/<version>" identifier used as the cache key seed.
func (b BindleSpec) ID() string {
	return b.Name + "/" + b.Version
}

// Group is a named set of parcels.
type Group struct {
	Name     string `toml:"name"`
	Required bool   `toml:"required"`
}

// Parcel is a content-addressed blob referenced by an invoice.
type Parcel struct {
	Label      Label       `toml:"label"`
	Conditions *Conditions `toml:"conditions"`
}

// Label carries a parcel's identifying metadata.
type Label struct {
	SHA256    string            `toml:"sha256"`
	Name      string            `toml:"name"`
	MediaType string            `toml:"mediaType"`
	Size      int64             `toml:"size"`
	Feature   map[string]Tagged `toml:"feature"`
}

// Tagged is a flat string-keyed feature subtable, e.g. the "wagi" feature.
type Tagged map[string]string

// Conditions describes a parcel's group membership and requirements.
type Conditions struct {
	MemberOf []string `toml:"memberOf"`
	Requires []string `toml:"requires"`
}

// IsGlobalGroup reports whether the parcel belongs to no group, i.e. is a
// member of the implicit default/global group.
func (p Parcel) IsGlobalGroup() bool {
	return p.Conditions == nil || len(p.Conditions.MemberOf) == 0
}

// DirectlyRequires returns the groups this parcel's conditions.requires
// names, or nil if it requires none.
func (p Parcel) DirectlyRequires() []string {
	if p.Conditions == nil {
		return nil
	}
	return p.Conditions.Requires
}

// MemberOf returns the groups this parcel's conditions.memberOf names, or
// nil if it is a member of none.
func (p Parcel) MemberOf() []string {
	if p.Conditions == nil {
		return nil
	}
	return p.Conditions.MemberOf
}

const wasmMediaType = "application/wasm"

// WasmMediaType is the media type that marks a parcel as a candidate Wasm
// module.
const WasmMediaType = wasmMediaType
