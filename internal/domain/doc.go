// Package domain defines the core diagnostic entities shared by every stage
// of the workflow: sensor snapshots, fault patterns, specialist inference
// results, fused consensus, solutions and planned actions.
//
// It imports only the standard library. Every other internal package may
// depend on domain, never the reverse.
package domain
