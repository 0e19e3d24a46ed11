// Package storyboard talks to the script provider: given the opening image
// and a segment count, it returns per-segment summaries and video prompts.
// Responses arrive as model-generated JSON and are decoded defensively.
package storyboard
