package routing

// Table maps message type names to their ordered handlers for one bus. A
// Table is never mutated after Resolve returns it, so concurrent reads need
// no locking.
type Table struct {
	bus     string
	order   []string
	entries map[string][]HandlerDefinition
}

func newTable(bus string) *Table {
	return &Table{bus: bus, entries: make(map[string][]HandlerDefinition)}
}

// put appends def under message. Callers add definitions already
// deduplicated and in handler order.
func (t *Table) put(message string, def HandlerDefinition) {
	if _, ok := t.entries[message]; !ok {
		t.order = append(t.order, message)
	}
	t.entries[message] = append(t.entries[message], def)
}

// Bus returns the name of the bus the table was resolved for.
func (t *Table) Bus() string {
	return t.bus
}

// Messages returns every message key in first-registration order.
func (t *Table) Messages() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Handlers returns the handlers registered under the literal message key.
func (t *Table) Handlers(message string) []HandlerDefinition {
	defs := t.entries[message]
	out := make([]HandlerDefinition, len(defs))
	copy(out, defs)
	return out
}

// Len returns the number of message keys.
func (t *Table) Len() int {
	return len(t.order)
}

// Services returns the distinct service names referenced by the table.
func (t *Table) Services() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, message := range t.order {
		for _, def := range t.entries[message] {
			if _, ok := seen[def.Service]; ok {
				continue
			}
			seen[def.Service] = struct{}{}
			out = append(out, def.Service)
		}
	}
	return out
}

// Lookup merges the handlers of every key in types, in the given order.
// Handlers restricted to a transport are skipped when receivedFrom names a
// different one; an empty receivedFrom disables that filter. Handlers that
// share a Name are returned once.
func (t *Table) Lookup(types []string, receivedFrom string) []HandlerDefinition {
	var (
		out  []HandlerDefinition
		seen = make(map[string]struct{})
	)
	for _, typ := range types {
		for _, def := range t.entries[typ] {
			if receivedFrom != "" && def.Options.FromTransport != "" && def.Options.FromTransport != receivedFrom {
				continue
			}
			name := def.Name()
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, def)
		}
	}
	return out
}
