// Package config implements ordered, typed job configurations and the merge
// engine that derives one configuration from another.
//
// # Overview
//
// A Configuration is an ordered mapping of upper-case keys to int64, float64,
// bool, string, list or nested configuration values. Each input block of a
// job (INCAR, KPOINTS, POSCAR, POTCAR) is one Configuration.
//
// Configurations are changed by applying MergeOperations:
//
//   - Update(key, value) overwrites or inserts a value.
//   - Multiply(key, factor) scales an existing number.
//   - Increment(key, delta) adds to an existing number.
//
// Apply never mutates its input and applies operations in the given order.
// Multiply fails with TypeMismatch on an absent or non-numeric value;
// Increment fails with KeyNotFound on an absent value.
//
// # Components
//
// Apply and MergeError: the merge engine.
//
// ParseModifyDoc: converts key_update / key_multiply / key_dictmod documents
// into operations.
//
// EncodeKeyValue and DecodeKeyValue: the "KEY = value" file format used for
// job input files.
//
// SchemaRegistry: CUE schemas that validate synthesized blocks.
//
// # Usage Example
//
//	base := config.NewConfiguration().
//		MustSet("ISMEAR", -5).
//		MustSet("ENCUT", 520).
//		MustSet("ISPIN", 2)
//
//	out, err := config.Apply(base, []config.MergeOperation{
//		config.Update("ISMEAR", 1000),
//		config.Multiply("ENCUT", 1.5),
//		config.Increment("ISPIN", -1),
//	})
//	// out: {ISMEAR: 1000, ENCUT: 780, ISPIN: 1}
package config
