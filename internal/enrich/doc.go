// Package enrich defines the domain types, store contracts, and error taxonomy
// shared by the contact enrichment pipeline: claiming, fetching, classifying,
// and persisting results for queued contacts.
package enrich
