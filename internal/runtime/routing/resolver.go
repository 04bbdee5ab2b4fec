package routing

import (
	"sort"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
)

type resolvedEntry struct {
	message string
	def     HandlerDefinition
}

// Resolve builds the routing table of one bus. Any invalid candidate aborts
// resolution and no table is returned.
func Resolve(candidates []Candidate, bus BusSpec) (*Table, error) {
	var (
		messages  []string
		byMessage = make(map[string][]HandlerDefinition)
	)

	for _, candidate := range candidates {
		if candidate.Tag.Bus != "" && candidate.Tag.Bus != bus.Name {
			continue
		}

		entries, err := resolveCandidate(candidate, bus.Name)
		if err != nil {
			return nil, err
		}

		for _, entry := range entries {
			defs, ok := byMessage[entry.message]
			if !ok {
				messages = append(messages, entry.message)
			}
			byMessage[entry.message] = register(defs, entry.def)
		}
	}

	table := newTable(bus.Name)
	for _, message := range messages {
		defs := byMessage[message]
		sort.SliceStable(defs, func(i, j int) bool {
			return defs[i].Options.Priority > defs[j].Options.Priority
		})
		for _, def := range defs {
			table.put(message, def)
		}
	}

	if bus.SingleHandlerPerMessage {
		for _, message := range table.order {
			defs := table.entries[message]
			if len(defs) <= 1 {
				continue
			}
			refs := make([]errspkg.HandlerRef, 0, len(defs))
			for _, def := range defs {
				refs = append(refs, errspkg.HandlerRef{Service: def.Service, Type: def.Type})
			}
			return nil, &errspkg.MultipleHandlersFoundError{Message: message, Handlers: refs}
		}
	}

	return table, nil
}

// ResolveAll resolves every bus and returns the tables keyed by bus name.
func ResolveAll(candidates []Candidate, buses []BusSpec) (map[string]*Table, error) {
	tables := make(map[string]*Table, len(buses))
	for _, bus := range buses {
		table, err := Resolve(candidates, bus)
		if err != nil {
			return nil, err
		}
		tables[bus.Name] = table
	}
	return tables, nil
}

// register adds def in discovery order. A later definition for a service
// already present replaces the earlier one in its slot, so the last
// registration wins before priorities are sorted.
func register(defs []HandlerDefinition, def HandlerDefinition) []HandlerDefinition {
	for i := range defs {
		if defs[i].Service == def.Service {
			defs[i] = def
			return defs
		}
	}
	return append(defs, def)
}

func resolveCandidate(c Candidate, bus string) ([]resolvedEntry, error) {
	subscriptions, err := handledMessages(c)
	if err != nil {
		return nil, err
	}

	entries := make([]resolvedEntry, 0, len(subscriptions))
	for _, sub := range subscriptions {
		if sub.Bus != "" && sub.Bus != bus {
			continue
		}

		method := sub.Method
		if method == "" {
			method = DefaultMethod
		}
		if _, ok := c.Methods[method]; !ok {
			return nil, errspkg.MissingHandlerMethod(c.Service, c.Type, method)
		}

		priority := 0
		switch {
		case c.Tag.Priority != nil:
			priority = *c.Tag.Priority
		case sub.Priority != nil:
			priority = *sub.Priority
		}

		fromTransport := sub.FromTransport
		if fromTransport == "" {
			fromTransport = c.Tag.FromTransport
		}

		entries = append(entries, resolvedEntry{
			message: sub.Message,
			def: HandlerDefinition{
				Service: c.Service,
				Type:    c.Type,
				Method:  method,
				Alias:   c.Tag.Alias,
				Options: Options{
					Bus:           bus,
					Priority:      priority,
					FromTransport: fromTransport,
				},
			},
		})
	}
	return entries, nil
}

func handledMessages(c Candidate) ([]Subscription, error) {
	if c.Tag.Handles != "" {
		return []Subscription{{Message: c.Tag.Handles, Method: c.Tag.Method}}, nil
	}
	if c.Subscriber {
		return c.Subscriptions, nil
	}
	return inferHandledMessages(c)
}

func inferHandledMessages(c Candidate) ([]Subscription, error) {
	methodName := c.Tag.Method
	if methodName == "" {
		methodName = DefaultMethod
	}

	method, ok := c.Methods[methodName]
	if !ok {
		return nil, errspkg.MissingHandlerMethod(c.Service, c.Type, methodName)
	}
	if method.RequiredParams() != 1 || len(method.Params) == 0 || method.Params[0].Optional {
		return nil, errspkg.WrongAmountOfArguments(c.Service, c.Type, methodName)
	}

	param := method.Params[0]
	switch len(param.Types) {
	case 0:
		return nil, errspkg.MissingArgumentType(c.Service, c.Type, methodName, param.Name)
	case 1:
		if param.Types[0].Builtin {
			return nil, errspkg.InvalidArgumentType(c.Service, c.Type, methodName, param.Name, param.Types[0].Name)
		}
		return []Subscription{{Message: param.Types[0].Name, Method: methodName}}, nil
	}

	subs := make([]Subscription, 0, len(param.Types))
	names := make([]string, 0, len(param.Types))
	for _, info := range param.Types {
		names = append(names, info.Name)
		if info.Builtin {
			continue
		}
		subs = append(subs, Subscription{Message: info.Name, Method: methodName})
	}
	if len(subs) == 0 {
		return nil, errspkg.InvalidArgumentUnionType(c.Service, c.Type, methodName, param.Name, names)
	}
	return subs, nil
}
