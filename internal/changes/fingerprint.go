package changes

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/mitchellh/hashstructure/v2"
)

func kindFingerprint(kind string) uint64 {
	return xxhash.Sum64String(kind)
}

// propertyFingerprints hashes each property value and the property set as a whole.
func propertyFingerprints(props map[string]any) (map[string]uint64, uint64, error) {
	perProperty := make(map[string]uint64, len(props))
	for name, value := range props {
		h, err := hashstructure.Hash(value, hashstructure.FormatV2, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("fingerprinting input property '%s': %w", name, err)
		}
		perProperty[name] = h
	}
	total, err := hashstructure.Hash(perProperty, hashstructure.FormatV2, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("fingerprinting input properties: %w", err)
	}
	return perProperty, total, nil
}
