package cnam

import "strings"

// resolutionRules are checked in order; the first match wins. A device named
// "CPAP OXYGENE" is an oxygen concentrator because that rule comes first.
var resolutionRules = []struct {
	keywords []string
	bondType BondType
}{
	{[]string{"CONCENTRATEUR", "OXYGENE", "O2"}, BondTypeOxygenConcentrator},
	{[]string{"VNI"}, BondTypeVNI},
	{[]string{"CPAP"}, BondTypeCPAP},
	{[]string{"MASQUE"}, BondTypeMask},
}

// ResolveBondType classifies a device name into a bond type using
// case-insensitive substring rules. Unknown devices resolve to AUTRE.
func ResolveBondType(deviceName string) BondType {
	name := strings.ToUpper(deviceName)
	for _, rule := range resolutionRules {
		for _, kw := range rule.keywords {
			if strings.Contains(name, kw) {
				return rule.bondType
			}
		}
	}
	return BondTypeOther
}
