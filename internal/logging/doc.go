// Package logging wraps log/slog with frameloom conventions: a console
// handler for interactive use, a JSON handler for machine consumption, and
// shared attribute helpers so every component logs the same field keys.
package logging
