// Package llm abstracts chat-completion providers behind a single
// Model interface so the conversation engine does not care whose API
// is on the other end. OpenAI and Anthropic backends are included.
package llm
