// Package stream executes one streaming inference call per attempt against
// an OpenAI-compatible chat-completions endpoint. It decodes the SSE
// response incrementally, tracks time-to-first-token and estimated token
// throughput while the stream is open, and returns authoritative usage and
// cost once the upstream usage block arrives.
package stream
