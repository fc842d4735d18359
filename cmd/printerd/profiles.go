package main

import "github.com/makerforge/printerd/internal/driver"

// stubScaffolder is the out-of-scope G-code assembly collaborator. It
// hands back empty start/end sequences so the wiring
// exercises the real Profile/Operation path end to end without printerd
// itself knowing any vendor G-code dialect.
type stubScaffolder struct{}

func (stubScaffolder) AssembleRecipe(extruders []string, material string) ([]string, []string, map[string]any, error) {
	return nil, nil, map[string]any{}, nil
}

func (stubScaffolder) AssembleStartSequence(template []string) ([]string, error) { return template, nil }
func (stubScaffolder) AssembleEndSequence(template []string) ([]string, error)   { return template, nil }

// defaultProfiles returns a minimal built-in catalog matching any port.
// A real deployment loads its own vendor-specific catalog from
// config.Config.ProfileDir instead — profile catalogs beyond this opaque
// descriptor are an explicit non-goal of the core.
func defaultProfiles() []*driver.Profile {
	matchAny := func(vid, pid uint16) bool { return true }
	return []*driver.Profile{
		driver.NewProfile("generic-fff", 200, 200, 200, true, true, true, 1, matchAny, stubScaffolder{}),
	}
}
