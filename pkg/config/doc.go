// Package config loads the two inputs the engine works from: declared
// topology documents written in HCL, and runtime settings written in YAML.
//
// Topology documents contain resource blocks whose attributes are either
// literals or bare references to another resource's output attribute.
// References are extracted as symbolic values and double as dependency
// edges; parsing never resolves them.
//
// Settings select the state store backend and bound execution, and are
// validated on load.
package config
