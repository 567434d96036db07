package transports

import (
	"fmt"
	"slices"
	"strings"

	"latbench/bench"
)

// Names lists the adapters in the order the runner measures them.
var Names = []string{"tcp", "extension", "fetch", "gateway"}

// Select validates only and returns it reordered to match Names. An empty
// selection means every adapter.
func Select(only []string) ([]string, error) {
	if len(only) == 0 {
		return slices.Clone(Names), nil
	}
	want := make(map[string]bool, len(only))
	for _, name := range only {
		name = strings.ToLower(strings.TrimSpace(name))
		if !slices.Contains(Names, name) {
			return nil, fmt.Errorf("unknown transport %q (have %s)", name, strings.Join(Names, ", "))
		}
		want[name] = true
	}
	out := make([]string, 0, len(want))
	for _, name := range Names {
		if want[name] {
			out = append(out, name)
		}
	}
	return out, nil
}

func New(name string, opts Options) (bench.Transport, error) {
	switch name {
	case "tcp":
		return NewRawSocket(opts), nil
	case "extension":
		return NewExtension(opts), nil
	case "fetch":
		return NewFetchBridge(opts), nil
	case "gateway":
		return NewGatewayBridge(opts), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

// Build selects and constructs adapters in measurement order.
func Build(only []string, opts Options) ([]bench.Transport, error) {
	names, err := Select(only)
	if err != nil {
		return nil, err
	}
	out := make([]bench.Transport, 0, len(names))
	for _, name := range names {
		t, err := New(name, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
