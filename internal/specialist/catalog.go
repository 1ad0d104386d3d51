// Package specialist holds the catalog of specialist executors the router
// can delegate to, each with its own restricted tool registry.
package specialist

import (
	"fmt"
	"sort"
	"time"

	"github.com/agentoven/dxtr/internal/actions"
	"github.com/agentoven/dxtr/internal/config"
	"github.com/agentoven/dxtr/internal/faults"
	"github.com/agentoven/dxtr/pkg/models"
)

// MainAgent is the registry name of the top-level agent.
const MainAgent = "main"

// Definition describes one specialist.
type Definition struct {
	Name         string
	Capability   string
	Description  string
	SystemPrompt string
	Tools        []string
	MaxSteps     int
	Timeout      time.Duration
	Model        string
}

type entry struct {
	def Definition
	reg *actions.Registry
}

// Catalog maps capability names to specialists. It is immutable after New.
type Catalog struct {
	main        *actions.Registry
	mainPrompt  string
	mainModel   string
	specialists map[string]entry
	order       []string
}

// New builds the main registry and one registry per specialist from the
// shared toolbox. Unknown tool names fail here rather than at run time.
func New(agents *config.Agents, toolbox *actions.Registry) (*Catalog, error) {
	main, err := toolbox.Filtered(MainAgent, agents.Main.Tools, nil)
	if err != nil {
		return nil, fmt.Errorf("main agent: %w", err)
	}
	c := &Catalog{
		main:        main,
		mainPrompt:  agents.Main.SystemPrompt,
		mainModel:   agents.Main.Model,
		specialists: make(map[string]entry, len(agents.Specialists)),
	}
	for _, s := range agents.Specialists {
		reg, err := toolbox.Filtered(s.Name, s.Tools, []string{actions.DelegateAction})
		if err != nil {
			return nil, fmt.Errorf("specialist %s: %w", s.Name, err)
		}
		c.specialists[s.Capability] = entry{
			def: Definition{
				Name:         s.Name,
				Capability:   s.Capability,
				Description:  s.Description,
				SystemPrompt: s.SystemPrompt,
				Tools:        reg.Names(),
				MaxSteps:     s.MaxSteps,
				Timeout:      s.Timeout,
				Model:        s.Model,
			},
			reg: reg,
		}
		c.order = append(c.order, s.Capability)
	}
	sort.Strings(c.order)
	return c, nil
}

// Main returns the top-level agent's registry.
func (c *Catalog) Main() *actions.Registry { return c.main }

func (c *Catalog) MainPrompt() string { return c.mainPrompt }
func (c *Catalog) MainModel() string  { return c.mainModel }

// Lookup resolves a capability name exactly. A miss is unknown_agent; it
// never falls back to the main agent.
func (c *Catalog) Lookup(capability string) (Definition, *actions.Registry, error) {
	e, ok := c.specialists[capability]
	if !ok {
		return Definition{}, nil, faults.New(faults.UnknownAgent, "lookup", "no specialist %q", capability)
	}
	return e.def, e.reg, nil
}

// Capabilities lists the capability names in sorted order.
func (c *Catalog) Capabilities() []string {
	return append([]string(nil), c.order...)
}

// RegistryFor implements actions.RegistryResolver.
func (c *Catalog) RegistryFor(origin models.ProposalOrigin) (*actions.Registry, error) {
	switch origin.Kind {
	case models.OriginTopLevel:
		return c.main, nil
	case models.OriginSpecialist:
		_, reg, err := c.Lookup(origin.Agent)
		return reg, err
	}
	return nil, faults.New(faults.Internal, "registry", "unknown origin %q", origin.Kind)
}

// Infos describes the specialists for the API listing.
func (c *Catalog) Infos() []models.SpecialistInfo {
	out := make([]models.SpecialistInfo, 0, len(c.order))
	for _, name := range c.order {
		d := c.specialists[name].def
		out = append(out, models.SpecialistInfo{
			Name:        d.Name,
			Capability:  d.Capability,
			Description: d.Description,
			Tools:       d.Tools,
			MaxSteps:    d.MaxSteps,
			TimeoutMs:   d.Timeout.Milliseconds(),
		})
	}
	return out
}
