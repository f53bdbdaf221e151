package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		encutBoundsPolicy(),
		ispinValidPolicy(),
		nsitesMagmomPolicy(),
	}
}

// encutBoundsPolicy keeps the plane wave cutoff in a sane range.
func encutBoundsPolicy() Policy {
	return Policy{
		Name:        "encut_bounds",
		Description: "ENCUT must lie between 100 and 2000 eV",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"incar", "bounds"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package matflow.encut_bounds

import rego.v1

deny contains msg if {
	encut := input.configs.INCAR.ENCUT
	is_number(encut)
	encut < 100
	msg := sprintf("%s: ENCUT %v is below 100 eV", [input.job.label, encut])
}

deny contains msg if {
	encut := input.configs.INCAR.ENCUT
	is_number(encut)
	encut > 2000
	msg := sprintf("%s: ENCUT %v is above 2000 eV", [input.job.label, encut])
}

deny contains msg if {
	encut := input.configs.INCAR.ENCUT
	not is_number(encut)
	msg := sprintf("%s: ENCUT must be a number, got %v", [input.job.label, encut])
}
`,
	}
}

// ispinValidPolicy rejects spin settings the code does not know.
func ispinValidPolicy() Policy {
	return Policy{
		Name:        "ispin_valid",
		Description: "ISPIN must be 1 or 2",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"incar"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package matflow.ispin_valid

import rego.v1

deny contains msg if {
	ispin := input.configs.INCAR.ISPIN
	not ispin in {1, 2}
	msg := sprintf("%s: ISPIN must be 1 or 2, got %v", [input.job.label, ispin])
}
`,
	}
}

// nsitesMagmomPolicy warns when MAGMOM does not match the number of sites.
func nsitesMagmomPolicy() Policy {
	return Policy{
		Name:        "magmom_sites",
		Description: "MAGMOM should list one moment per POSCAR site",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"incar", "poscar"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package matflow.magmom_sites

import rego.v1

deny contains violation if {
	magmom := input.configs.INCAR.MAGMOM
	is_array(magmom)
	sites := count(input.configs.POSCAR.COORDS)
	count(magmom) != sites
	violation := {
		"message": sprintf("%s: MAGMOM has %d entries for %d sites", [input.job.label, count(magmom), sites]),
		"severity": "warning",
	}
}
`,
	}
}
