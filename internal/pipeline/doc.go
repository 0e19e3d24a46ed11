// Package pipeline drives production units through their stages: script
// generation, frame-chained segment generation, and final assembly. Every
// stage trigger takes the unit's lock, marks a transient status, calls the
// provider, and finalizes to a stable status on every exit path.
package pipeline
