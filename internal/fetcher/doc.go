// Package fetcher retrieves a company homepage through tiered sources: a DNS
// check, a race between the direct fetch and relay providers, and a sequential
// chain of premium providers. Every attempt is reported as a progress event.
package fetcher
