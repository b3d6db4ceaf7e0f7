// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package config

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/ini.v1"
)

// Options returns a collection of all key-value options in provided config
// file path or []byte data. Keys in named sections are prefixed with
// "section.".
func Options(cfgPathOrData any) (map[string]string, error) {
	cfgFile, err := ini.Load(cfgPathOrData)
	if err != nil {
		return nil, err
	}
	options := make(map[string]string)
	for _, section := range cfgFile.Sections() {
		prefix := ""
		if section.Name() != ini.DefaultSection {
			prefix = section.Name() + "."
		}
		for _, key := range section.Keys() {
			options[prefix+key.Name()] = key.String()
		}
	}
	return options, nil
}

// ParseSections loads the config file path or []byte data and calls newObj
// for every section named "<prefix>.<suffix>", in suffix order. The section
// is strictly mapped into the object returned by newObj with ini struct tags. The
// default section and sections with other prefixes are ignored.
func ParseSections(cfgPathOrData any, prefix string, newObj func(suffix string) (any, error)) error {
	cfgFile, err := ini.Load(cfgPathOrData)
	if err != nil {
		return err
	}

	sections := make(map[string]*ini.Section)
	suffixes := make([]string, 0)
	for _, section := range cfgFile.Sections() {
		suffix, found := strings.CutPrefix(section.Name(), prefix+".")
		if !found || suffix == "" {
			continue
		}
		sections[suffix] = section
		suffixes = append(suffixes, suffix)
	}
	sort.Strings(suffixes)

	for _, suffix := range suffixes {
		obj, err := newObj(suffix)
		if err != nil {
			return fmt.Errorf("section %s.%s: %w", prefix, suffix, err)
		}
		if err := sections[suffix].StrictMapTo(obj); err != nil {
			return fmt.Errorf("section %s.%s: %w", prefix, suffix, err)
		}
	}
	return nil
}
