// Package config defines the format-agnostic configuration model of the
// control room and the Loader interface that produces it.
//
// Concrete loaders, such as the HCL one, live in separate packages. The
// model is validated once after loading; everything downstream trusts it.
package config
