package bindle

import "strings"

// Understander parses an invoice into the set of "interesting parcels"
// (currently: WAGI HTTP handlers), including the transitive group
// membership closure needed to compute each handler's required assets.
type Understander struct {
	invoice            Invoice
	groupDependencyMap map[string][]Parcel
}

// NewUnderstander builds an Understander for the given invoice, eagerly
// computing the full group membership closure.
func NewUnderstander(invoice Invoice) *Understander {
	return &Understander{
		invoice:            invoice,
		groupDependencyMap: buildFullMemberships(invoice),
	}
}

// ID returns the invoice's "<name>/<version>" identifier.
func (u *Understander) ID() string {
	return u.invoice.Bindle.ID()
}

// TopModules returns every parcel with the Wasm media type that belongs to
// no group (the "default group"). These are the candidates for routing.
func (u *Understander) TopModules() []Parcel {
	var out []Parcel
	for _, p := range u.invoice.Parcel {
		if p.Label.MediaType == WasmMediaType && p.IsGlobalGroup() {
			out = append(out, p)
		}
	}
	return out
}

// Handler is a parcel classified as a WAGI HTTP handler, with the fields
// extracted from its "wagi" feature subtable.
type Handler struct {
	InvoiceID       string
	Parcel          Parcel
	Route           string
	Entrypoint      string // empty means "use the default"
	AllowedHosts    []string
	Argv            string
	RequiredParcels []Parcel
}

// HasEntrypoint reports whether the handler declared an explicit
// entrypoint.
func (h Handler) HasEntrypoint() bool { return h.Entrypoint != "" }

// HasAllowedHosts reports whether the handler declared an allowed_hosts
// feature value at all. A declared value always yields a non-empty list,
// since the comma split is not trimmed (an empty value yields [""]).
func (h Handler) HasAllowedHosts() bool { return h.AllowedHosts != nil }

// AssetParcels returns the subset of RequiredParcels that are marked as
// asset files (wagi.file == "true").
func (h Handler) AssetParcels() []Parcel {
	var out []Parcel
	for _, p := range h.RequiredParcels {
		if IsFile(p) {
			out = append(out, p)
		}
	}
	return out
}

// ClassifyParcel returns (Handler, true) when the parcel's label.feature.
// wagi.route exists; otherwise (Handler{}, false).
func (u *Understander) ClassifyParcel(p Parcel) (Handler, bool) {
	wagi, ok := p.Label.Feature["wagi"]
	if !ok {
		return Handler{}, false
	}
	route, ok := wagi["route"]
	if !ok {
		return Handler{}, false
	}
	h := Handler{
		InvoiceID:       u.ID(),
		Parcel:          p,
		Route:           route,
		Entrypoint:      wagi["entrypoint"],
		Argv:            wagi["argv"],
		RequiredParcels: requiredParcelsFor(p, u.groupDependencyMap),
	}
	if hosts, ok := wagi["allowed_hosts"]; ok {
		h.AllowedHosts = parseCSV(hosts)
	}
	return h, true
}

// ParseHandlers returns every WAGI handler among the invoice's top-level
// modules.
func (u *Understander) ParseHandlers() []Handler {
	var out []Handler
	for _, p := range u.TopModules() {
		if h, ok := u.ClassifyParcel(p); ok {
			out = append(out, h)
		}
	}
	return out
}

// IsFile reports whether a parcel is marked as a WAGI asset file, i.e. its
// "wagi" feature subtable has file == "true".
func IsFile(p Parcel) bool {
	wagi, ok := p.Label.Feature["wagi"]
	if !ok {
		return false
	}
	return wagi["file"] == "true"
}

// requiredParcelsFor computes the transitive closure over group
// membership: for a handler parcel P, gather every parcel that is a
// member of any group in the dependency closure of P's directly-required
// groups. Duplicates are removed by SHA-256; ordering is not significant.
func requiredParcelsFor(p Parcel, fullDepMap map[string][]Parcel) []Parcel {
	seen := make(map[string]struct{})
	var required []Parcel
	for _, group := range p.DirectlyRequires() {
		for _, member := range fullDepMap[group] {
			if _, ok := seen[member.Label.SHA256]; ok {
				continue
			}
			seen[member.Label.SHA256] = struct{}{}
			required = append(required, member)
		}
	}
	return required
}

// buildDirectMemberships maps each group name to the parcels directly
// declaring membership in it (conditions.memberOf).
func buildDirectMemberships(invoice Invoice) map[string][]Parcel {
	direct := make(map[string][]Parcel)
	for _, p := range invoice.Parcel {
		for _, group := range p.MemberOf() {
			direct[group] = append(direct[group], p)
		}
	}
	return direct
}

// buildFullMemberships computes, for every group, the full set of parcels
// reachable via the group-to-group dependency closure (§4.3).
func buildFullMemberships(invoice Invoice) map[string][]Parcel {
	direct := buildDirectMemberships(invoice)
	groupDeps := groupToGroupFullDependencies(direct)

	full := make(map[string][]Parcel, len(direct))
	for group := range direct {
		seen := make(map[string]struct{})
		var members []Parcel
		for _, depGroup := range groupDeps[group] {
			for _, p := range direct[depGroup] {
				if _, ok := seen[p.Label.SHA256]; ok {
					continue
				}
				seen[p.Label.SHA256] = struct{}{}
				members = append(members, p)
			}
		}
		full[group] = members
	}
	return full
}

// groupToGroupDirectDependencies returns, for each group G, the set
// {G} ∪ ⋃ { directlyRequires(p) | p ∈ direct_members(G) }.
func groupToGroupDirectDependencies(direct map[string][]Parcel) map[string][]string {
	ggd := make(map[string][]string, len(direct))
	for group, members := range direct {
		directs := []string{group}
		for _, p := range members {
			directs = append(directs, p.DirectlyRequires()...)
		}
		ggd[group] = directs
	}
	return ggd
}

// groupToGroupFullDependencies extends the direct group dependency sets to
// their least fixed point. Cycles terminate naturally because the set of
// group names is finite and only grows.
func groupToGroupFullDependencies(direct map[string][]Parcel) map[string][]string {
	directDeps := groupToGroupDirectDependencies(direct)
	full := make(map[string][]string, len(directDeps))

	for group, directs := range directDeps {
		inSet := make(map[string]struct{}, len(directs))
		allGroups := append([]string(nil), directs...)
		for _, g := range directs {
			inSet[g] = struct{}{}
		}
		unchecked := directs

		for {
			var newOnes []string
			newSeen := make(map[string]struct{})
			for _, g := range unchecked {
				for _, child := range directDeps[g] {
					if _, already := inSet[child]; already {
						continue
					}
					if _, dup := newSeen[child]; dup {
						continue
					}
					newSeen[child] = struct{}{}
					newOnes = append(newOnes, child)
				}
			}
			if len(newOnes) == 0 {
				break
			}
			for _, g := range newOnes {
				inSet[g] = struct{}{}
			}
			allGroups = append(allGroups, newOnes...)
			unchecked = newOnes
		}
		full[group] = allGroups
	}
	return full
}

// parseCSV splits on "," without trimming, matching the loose handling of
// the original WAGI allowed_hosts feature value.
func parseCSV(text string) []string {
	return strings.Split(text, ",")
}
