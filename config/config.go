// Package config loads flag defaults from a YAML file.
//
// Keys are flag names; dashes and underscores are interchangeable, and
// a flag like "mqtt-broker" may also be written as a nested section:
//
//	state-dir: /var/lib/dnshealth
//	batch-size: 400
//	mqtt:
//	  broker: mqtts://mqtt.example.net:8883
//
// Only flags are resolved. Positional arguments, such as the instance
// count of "run", must be given on the command line.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"
)

// DefaultPaths are tried, in order, when no file is given.
var DefaultPaths = []string{"dnshealth.yaml", "/etc/dnshealth/dnshealth.yaml"}

// YAML is a kong.ConfigurationLoader for YAML files.
func YAML(r io.Reader) (kong.Resolver, error) {
	values := map[string]any{}
	err := yaml.NewDecoder(r).Decode(&values)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("yaml config: %w", err)
	}
	return resolver(values), nil
}

// Load reads the YAML file at path.
func Load(path string) (kong.Resolver, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return YAML(fh)
}

func resolver(values map[string]any) kong.ResolverFunc {
	return func(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (any, error) {
		v, ok := lookup(values, flag.Name)
		if !ok {
			return nil, nil
		}
		return flatten(v), nil
	}
}

func lookup(values map[string]any, name string) (any, bool) {
	for _, key := range []string{name, strings.ReplaceAll(name, "-", "_")} {
		v, ok := values[key]
		if !ok {
			continue
		}
		// a section is never the value of the flag sharing its name
		if _, isSection := v.(map[string]any); !isSection {
			return v, true
		}
	}

	section, rest, found := strings.Cut(name, "-")
	if !found {
		return nil, false
	}
	for _, key := range []string{section, strings.ReplaceAll(section, "-", "_")} {
		if sub, ok := values[key].(map[string]any); ok {
			if v, ok := lookup(sub, rest); ok {
				return v, true
			}
		}
	}
	return nil, false
}

// flatten turns YAML sequences into kong's comma separated form.
func flatten(v any) any {
	seq, ok := v.([]any)
	if !ok {
		return v
	}
	parts := make([]string, 0, len(seq))
	for _, s := range seq {
		parts = append(parts, fmt.Sprint(s))
	}
	return strings.Join(parts, ",")
}
