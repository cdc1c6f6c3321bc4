package credentials

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// legacyFile is the on-disk layout of the legacy account list:
//
//	accounts:
//	  - username: reception
//	    password_hash: $2a$10$...
//	    tenant_id: 5
//	    capabilities: {can_view: true, can_export: true}
type legacyFile struct {
	Accounts []LegacyAccount `yaml:"accounts"`
}

// ParseLegacyAccounts decodes a legacy account list
func ParseLegacyAccounts(r io.Reader) ([]LegacyAccount, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f legacyFile
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse legacy accounts: %w", err)
	}
	return f.Accounts, nil
}

// LoadLegacyMulti reads path and builds the LegacyMulti tier from it
func LoadLegacyMulti(path string) (*LegacyMulti, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open legacy accounts: %w", err)
	}
	defer f.Close()

	accounts, err := ParseLegacyAccounts(f)
	if err != nil {
		return nil, err
	}
	return NewLegacyMulti(accounts)
}
