package bindle

import "testing"

func coffeeInvoice() Invoice {
	return Invoice{
		Bindle: BindleSpec{Name: "drink", Version: "1.2.3"},
		Group:  []Group{{Name: "coffee"}},
		Parcel: []Parcel{
			{
				Label: Label{SHA256: "yubbadubbadoo", Name: "mocha-java", MediaType: WasmMediaType, Size: 1234},
				Conditions: &Conditions{MemberOf: []string{"coffee"}},
			},
			{
				Label: Label{SHA256: "abc123", Name: "yirgacheffe", MediaType: WasmMediaType, Size: 1234},
				Conditions: &Conditions{MemberOf: []string{"coffee"}},
			},
			{
				Label: Label{SHA256: "yubbadubbadoonow", Name: "water", MediaType: WasmMediaType, Size: 1234},
			},
		},
	}
}

func TestTopModules(t *testing.T) {
	u := NewUnderstander(coffeeInvoice())
	top := u.TopModules()
	if len(top) != 1 {
		t.Fatalf("expected 1 top module, got %d", len(top))
	}
	if top[0].Label.Name != "water" {
		t.Fatalf("expected water, got %s", top[0].Label.Name)
	}
}

func TestIsFile(t *testing.T) {
	p := Parcel{
		Label:      Label{SHA256: "x", Name: "water", MediaType: WasmMediaType, Size: 1234},
		Conditions: &Conditions{},
	}
	if IsFile(p) {
		t.Fatal("parcel without wagi.file feature should not be a file")
	}

	p.Label.Feature = map[string]Tagged{"wagi": {"file": "true"}}
	if !IsFile(p) {
		t.Fatal("parcel with wagi.file=true should be a file")
	}
}

func TestGroupMembers(t *testing.T) {
	full := buildFullMemberships(coffeeInvoice())
	members, ok := full["coffee"]
	if !ok {
		t.Fatal("expected a 'coffee' group")
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
}

// TestTransitiveClosure mirrors S7: a handler requires g1; g1's members
// include an asset parcel and another group dependency chain (g1 requires
// g2; g2 has a member). The closure must reach both groups' members.
func TestTransitiveClosure(t *testing.T) {
	inv := Invoice{
		Bindle: BindleSpec{Name: "app", Version: "1.0.0"},
		Group:  []Group{{Name: "g1"}, {Name: "g2"}},
		Parcel: []Parcel{
			{
				Label:      Label{SHA256: "h", Name: "handler.wasm", MediaType: WasmMediaType},
				Conditions: &Conditions{Requires: []string{"g1"}},
			},
			{
				Label: Label{SHA256: "a", Name: "asset.txt", MediaType: "text/plain",
					Feature: map[string]Tagged{"wagi": {"file": "true"}}},
				Conditions: &Conditions{MemberOf: []string{"g1"}, Requires: []string{"g2"}},
			},
			{
				Label:      Label{SHA256: "b", Name: "other.wasm", MediaType: WasmMediaType},
				Conditions: &Conditions{MemberOf: []string{"g2"}},
			},
		},
	}

	u := NewUnderstander(inv)
	handlerParcel := inv.Parcel[0]
	h, ok := u.ClassifyParcel(handlerParcel)
	_ = h
	_ = ok // classification requires a wagi.route feature; not set here.

	required := requiredParcelsFor(handlerParcel, u.groupDependencyMap)
	if len(required) != 2 {
		t.Fatalf("expected closure over g1 and g2 to yield 2 parcels, got %d", len(required))
	}

	var hasAsset, hasOther bool
	for _, p := range required {
		switch p.Label.Name {
		case "asset.txt":
			hasAsset = true
		case "other.wasm":
			hasOther = true
		}
	}
	if !hasAsset || !hasOther {
		t.Fatalf("expected both asset.txt and other.wasm in closure, got %+v", required)
	}

	// No duplicates, and termination (property 5).
	seen := make(map[string]bool)
	for _, p := range required {
		if seen[p.Label.SHA256] {
			t.Fatalf("duplicate parcel %s in required set", p.Label.SHA256)
		}
		seen[p.Label.SHA256] = true
	}
}

func TestClassifyParcelAndAssetParcels(t *testing.T) {
	inv := Invoice{
		Bindle: BindleSpec{Name: "app", Version: "1.0.0"},
		Group:  []Group{{Name: "assets"}},
		Parcel: []Parcel{
			{
				Label: Label{SHA256: "h", Name: "handler.wasm", MediaType: WasmMediaType,
					Feature: map[string]Tagged{"wagi": {"route": "/hello", "allowed_hosts": "a.com,b.com"}}},
				Conditions: &Conditions{Requires: []string{"assets"}},
			},
			{
				Label: Label{SHA256: "a", Name: "images/icon.png", MediaType: "image/png",
					Feature: map[string]Tagged{"wagi": {"file": "true"}}},
				Conditions: &Conditions{MemberOf: []string{"assets"}},
			},
		},
	}

	u := NewUnderstander(inv)
	handlers := u.ParseHandlers()
	if len(handlers) != 1 {
		t.Fatalf("expected 1 handler, got %d", len(handlers))
	}
	h := handlers[0]
	if h.Route != "/hello" {
		t.Fatalf("route = %q, want /hello", h.Route)
	}
	if len(h.AllowedHosts) != 2 || h.AllowedHosts[0] != "a.com" || h.AllowedHosts[1] != "b.com" {
		t.Fatalf("allowed hosts = %+v", h.AllowedHosts)
	}
	assets := h.AssetParcels()
	if len(assets) != 1 || assets[0].Label.Name != "images/icon.png" {
		t.Fatalf("asset parcels = %+v", assets)
	}
}

func TestCyclicGroupsTerminate(t *testing.T) {
	inv := Invoice{
		Bindle: BindleSpec{Name: "app", Version: "1.0.0"},
		Group:  []Group{{Name: "g1"}, {Name: "g2"}},
		Parcel: []Parcel{
			{
				Label:      Label{SHA256: "h", Name: "handler.wasm", MediaType: WasmMediaType},
				Conditions: &Conditions{Requires: []string{"g1"}},
			},
			{
				Label:      Label{SHA256: "m1", Name: "m1.wasm", MediaType: WasmMediaType},
				Conditions: &Conditions{MemberOf: []string{"g1"}, Requires: []string{"g2"}},
			},
			{
				Label:      Label{SHA256: "m2", Name: "m2.wasm", MediaType: WasmMediaType},
				Conditions: &Conditions{MemberOf: []string{"g2"}, Requires: []string{"g1"}},
			},
		},
	}

	done := make(chan []Parcel, 1)
	go func() {
		u := NewUnderstander(inv)
		done <- requiredParcelsFor(inv.Parcel[0], u.groupDependencyMap)
	}()

	select {
	case required := <-done:
		if len(required) != 2 {
			t.Fatalf("expected 2 parcels (m1, m2) in closure of cyclic groups, got %d", len(required))
		}
	}
}
