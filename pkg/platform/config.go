package platform

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/nvmtag/store/pkg/flashdriver"
)

var (
	errConfigFileRead = errors.New("platform: cannot read descriptor file")
	errConfigInvalid  = errors.New("platform: invalid descriptor file")
	errNoSpaces       = errors.New("platform: descriptor file defines no spaces")
)

// FileSpaceEntry is the on-disk shape of one space in a descriptor file.
type FileSpaceEntry struct {
	Space           uint16 `json:"space"`
	StartAddress    uint32 `json:"start_address"` //nolint:tagliatelle // snake_case for config file
	SectorLength    uint32 `json:"sector_length"`  //nolint:tagliatelle // snake_case for config file
	NumberOfSectors uint16 `json:"number_of_sectors"` //nolint:tagliatelle // snake_case for config file
	MaxTagNumber    uint16 `json:"max_tag_number"` //nolint:tagliatelle // snake_case for config file
}

// FileConfig is the on-disk shape of a full platform descriptor file: a
// human-JSON (hujson) document with comments and trailing commas allowed,
// listing one entry per space.
type FileConfig struct {
	Spaces []FileSpaceEntry `json:"spaces"`
}

// LoadFile reads a hujson-formatted descriptor file and builds a Static
// Descriptor from it. Unlike the layered precedence in the ticket-tracker's
// own config loader, a platform descriptor has exactly one source of truth:
// the file named by path. There is no global/project/CLI layering here
// because sector layout is a property of the physical part, not an operator
// preference.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled, not user input
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errConfigFileRead, path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: invalid JSONC: %w", errConfigInvalid, path, err)
	}

	var fc FileConfig

	if err := json.Unmarshal(standardized, &fc); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errConfigInvalid, path, err)
	}

	if len(fc.Spaces) == 0 {
		return nil, fmt.Errorf("%w: %s", errNoSpaces, path)
	}

	entries := make(map[flashdriver.Space]SpaceEntry, len(fc.Spaces))

	for _, e := range fc.Spaces {
		space := flashdriver.Space(e.Space)
		entries[space] = SpaceEntry{
			SpaceDesc: SpaceDesc{
				StartAddress:    e.StartAddress,
				SectorLength:    e.SectorLength,
				NumberOfSectors: e.NumberOfSectors,
			},
			MaxTagNumber: e.MaxTagNumber,
		}
	}

	return NewStatic(entries), nil
}
