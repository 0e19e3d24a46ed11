// Package consistency keeps the three state layers aligned: the SQLite
// store is authoritative, the snapshot cache is the fast read layer, and
// the external mirror is eventually consistent. Every write lands in the
// store first; cache and mirror propagation never block or fail the write.
package consistency
