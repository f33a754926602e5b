// Package app wires the control room together: it loads the configuration,
// builds the control plane and its supporting services, and runs them until
// the context is cancelled.
package app
