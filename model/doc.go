// Package model defines the shared leaf types of the tensormem module:
// tensor identifiers, execution step indices and lifetime intervals.
//
// It has no dependencies so every other package can import it freely.
package model
