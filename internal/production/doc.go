// Package production defines the data model for image-to-video production
// units, the closed lifecycle state machine, and the SQLite-backed
// authoritative store. All decision-making reads and every mutation of unit
// or segment state go through this package; the local cache and the remote
// mirror are downstream projections.
package production
