// Package services holds the error taxonomy and context plumbing shared by
// the pipeline stages and the external provider clients.
package services
