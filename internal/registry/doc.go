// Package registry holds the module connections of one control plane,
// keyed by module name.
//
// The registry is populated during start-up and then frozen while the
// broker routes callbacks. Registering into a frozen registry fails;
// lookups never block on each other.
package registry
