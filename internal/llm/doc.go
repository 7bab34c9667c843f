// Package llm contains adapters for invoking large language models with
// tool definitions. Providers are selected per model record, so one runner
// can serve agents that use different backends.
package llm
