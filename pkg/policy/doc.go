// Package policy gates synthesized job inputs with Open Policy Agent.
//
// Every enabled policy is a Rego module whose package defines a deny set.
// Policies see one job at a time:
//
//	input.job      {id, label, mode, template}
//	input.configs  the synthesized blocks, e.g. input.configs.INCAR.ENCUT
//
// A deny element is either a message string, which takes the policy's
// severity, or an object with message and severity fields. Violations of
// error or critical severity deny the job; the scheduler then fails the
// node with a permanent POLICY_DENIED error. Lower severities are logged.
//
// # Built-in Policies
//
//  1. encut_bounds - ENCUT between 100 and 2000 eV
//  2. ispin_valid - ISPIN is 1 or 2
//  3. magmom_sites - warns when MAGMOM and the POSCAR site count differ
//
// # Custom Policies
//
// Custom policies are .rego files, single-policy .json files or
// .bundle.json bundles, loaded from files or directories:
//
//	package matflow.ediff
//
//	deny[msg] {
//	    input.job.label == "cs tensor"
//	    input.configs.INCAR.EDIFF > -1e-8
//	    msg := "chemical shielding needs EDIFF <= -1e-8"
//	}
//
// A .rego file is named after its file and denies with error severity.
//
// # Hot Reload
//
// Engine.Watch reloads the loaded paths on change. A reload that fails to
// compile keeps the previous policy set.
package policy
