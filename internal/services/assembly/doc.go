// Package assembly talks to the concatenation service that joins segment
// artifacts into the final deliverable.
package assembly
