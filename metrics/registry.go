package metrics

import (
	"fmt"
	"sort"
)

var registry = map[string]Metric{}

// Register adds a metric to the registry. Registering two metrics under
// the same name is a programming error.
func Register(m Metric) {
	if _, exists := registry[m.Name()]; exists {
		panic(fmt.Sprintf("metrics: duplicate registration of %q", m.Name()))
	}
	registry[m.Name()] = m
}

// Get returns the metric registered under name.
func Get(name string) (Metric, error) {
	m, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("metrics: unknown metric %q", name)
	}
	return m, nil
}

// IsRegistered reports whether a metric exists under name.
func IsRegistered(name string) bool {
	_, ok := registry[name]
	return ok
}

// Names returns the registered metric handles, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(&EditCount{})
	Register(&BytesAdded{})
	Register(&Threshold{})
	Register(&TimeToThreshold{})
	Register(&Survival{})
	Register(&NamespaceEdits{})
	Register(&PagesCreated{})
}
