package registry

import "huniebot/internal/event"

type CommandInfo struct {
	Aliases     []string
	Description string
	Permission  event.Level
	Filterable  bool
}

type PluginInfo struct {
	Name     string
	Commands []CommandInfo
}

// Metadata is the read-only listing surface handed to plugins. It always
// reflects the current registry contents.
type Metadata struct {
	r *Registry
}

func (r *Registry) Metadata() *Metadata { return &Metadata{r: r} }

func (m *Metadata) Plugins() []PluginInfo {
	ws := m.r.Wrappers()
	out := make([]PluginInfo, 0, len(ws))
	for _, w := range ws {
		info := PluginInfo{Name: w.Name}
		for _, d := range w.Descriptors {
			if d.IsCommand() {
				info.Commands = append(info.Commands, commandInfo(d))
			}
		}
		out = append(out, info)
	}
	return out
}

// Describe finds the first command answering alias, in dispatch order.
func (m *Metadata) Describe(alias string) (CommandInfo, string, bool) {
	key := (&event.Command{Name: alias}).Key()
	for _, w := range m.r.Wrappers() {
		for _, d := range w.Descriptors {
			if d.IsCommand() && d.Answers(key) {
				return commandInfo(d), w.Name, true
			}
		}
	}
	return CommandInfo{}, "", false
}

func commandInfo(d *Descriptor) CommandInfo {
	return CommandInfo{
		Aliases:     append([]string(nil), d.Aliases...),
		Description: d.Description,
		Permission:  d.Permission,
		Filterable:  d.Filterable,
	}
}
